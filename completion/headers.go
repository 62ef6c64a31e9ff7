package completion

import (
	"strconv"
	"time"

	"github.com/vmx-ai/vmx/types"
)

const (
	eventTypeFallback = "fallback"
	eventTypeRouting  = "routing"
)

// annotationEvent is one decision recorded during a request, surfaced
// both in response headers and in the audit trail.
type annotationEvent struct {
	Type      string
	Timestamp time.Time

	// fallback fields
	FailedModel   types.ModelConfig
	FailureReason string
	ErrorMessage  string

	// routing fields
	OriginalModel types.ModelConfig
	RoutedModel   types.ModelConfig
}

// annotateHeaders merges the provider response headers with the x-vmx
// decision headers. Events are emitted as indexed header blocks.
func annotateHeaders(providerHeaders map[string]string, model types.ModelConfig, requestID, correlationID string, gateDuration time.Duration, routingDuration *time.Duration, events []annotationEvent) map[string]string {
	headers := make(map[string]string, len(providerHeaders)+8+len(events)*4)
	for k, v := range providerHeaders {
		headers[k] = v
	}

	headers["x-vmx-request-id"] = requestID
	headers["x-vmx-gate-duration-ms"] = strconv.FormatInt(gateDuration.Milliseconds(), 10)
	if correlationID != "" {
		headers["x-vmx-correlation-id"] = correlationID
	}
	if routingDuration != nil {
		headers["x-vmx-routing-duration-ms"] = strconv.FormatInt(routingDuration.Milliseconds(), 10)
	}
	headers["x-vmx-model"] = model.Model
	headers["x-vmx-provider"] = model.Provider
	headers["x-vmx-connection-id"] = model.ConnectionID

	if len(events) == 0 {
		return headers
	}
	headers["x-vmx-event-count"] = strconv.Itoa(len(events))
	for i, event := range events {
		prefix := "x-vmx-event-" + strconv.Itoa(i)
		headers[prefix+"-type"] = event.Type
		headers[prefix+"-timestamp"] = event.Timestamp.UTC().Format(time.RFC3339Nano)

		switch event.Type {
		case eventTypeFallback:
			headers[prefix+"-fallback-failed-model"] = event.FailedModel.Model
			headers[prefix+"-fallback-failure-reason"] = event.ErrorMessage
		case eventTypeRouting:
			headers[prefix+"-routing-original-provider"] = event.OriginalModel.Provider
			headers[prefix+"-routing-original-model"] = event.OriginalModel.Model
			headers[prefix+"-routing-routed-provider"] = event.RoutedModel.Provider
			headers[prefix+"-routing-routed-model"] = event.RoutedModel.Model
		}
	}
	return headers
}
