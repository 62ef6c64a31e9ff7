package completion

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/events"
	"github.com/vmx-ai/vmx/provider"
	"github.com/vmx-ai/vmx/store"
	"github.com/vmx-ai/vmx/tokenizer"
	"github.com/vmx-ai/vmx/types"
)

// ServiceOptions wires the orchestrator's collaborators.
type ServiceOptions struct {
	Store     *store.Store
	Providers *provider.Registry
	Gate      *Gate
	Router    *Router
	Estimator tokenizer.Estimator
	Publisher events.Publisher
	Metrics   *events.Collector
	Logger    *zap.Logger
}

// Service orchestrates one completion request end to end: resource and
// model resolution, routing, capacity admission, the provider call and
// the fallback chain, plus all post-completion bookkeeping.
type Service struct {
	resources   *store.ResourceStore
	connections *store.ConnectionStore
	providers   *provider.Registry
	gate        *Gate
	router      *Router
	estimator   tokenizer.Estimator
	publisher   events.Publisher
	metrics     *events.Collector
	logger      *zap.Logger
}

// NewService creates the completion orchestrator.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		resources:   opts.Store.Resources,
		connections: opts.Store.Connections,
		providers:   opts.Providers,
		gate:        opts.Gate,
		router:      opts.Router,
		estimator:   opts.Estimator,
		publisher:   publisher,
		metrics:     opts.Metrics,
		logger:      logger.With(zap.String("component", "completion")),
	}
}

// CompleteOptions carries per-call context the request body does not.
type CompleteOptions struct {
	// SourceIP scopes source-ip dimensioned capacity rules.
	SourceIP string
	// ExtraCapacity adds admission rules, such as a batch capacity
	// override applied to every item of the batch.
	ExtraCapacity []types.Capacity
}

// attempt tracks the state of one model try for events and audit.
type attempt struct {
	model   types.ModelConfig
	conn    *types.AIConnection
	evals   []Evaluation
	startAt time.Time
}

// Complete resolves the resource and runs the attempt chain
// [resolved model, fallbacks...] until a provider call succeeds or the
// chain is exhausted. The returned response carries x-vmx decision
// headers; streaming responses finish their bookkeeping after the chunk
// channel drains.
func (s *Service) Complete(ctx context.Context, workspaceID, environmentID, resourceID string, req *types.CompletionRequest, opts *CompleteOptions) (*types.CompletionResponse, error) {
	if opts == nil {
		opts = &CompleteOptions{}
	}
	requestID := uuid.NewString()
	correlationID := ""
	if req.VMX != nil {
		correlationID = req.VMX.CorrelationID
	}
	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("resource_id", resourceID))

	var (
		annotations     []annotationEvent
		attempts        []events.AuditAttempt
		gateDuration    time.Duration
		routingDuration *time.Duration
		routed          bool
	)

	fail := func(model types.ModelConfig, err error) error {
		s.publishFailure(workspaceID, environmentID, resourceID, requestID, correlationID, req.Model, model, attempts, err)
		return err
	}

	resource, err := s.resources.GetByID(ctx, workspaceID, environmentID, resourceID)
	if err != nil {
		return nil, fail(types.ModelConfig{}, err)
	}
	if req.VMX != nil {
		resource = resource.Merge(req.VMX.ResourceOverrides)
	}

	modelConfig, usePrimary, err := s.resolveModel(resource, req)
	if err != nil {
		return nil, fail(types.ModelConfig{}, err)
	}

	requestTokens := s.estimator.RequestTokens(req)

	if usePrimary {
		if resource.Routing != nil && resource.Routing.Enabled {
			routingStart := time.Now()
			match, err := s.router.Evaluate(resource, req, requestTokens)
			d := time.Since(routingStart)
			routingDuration = &d
			if err != nil {
				if s.metrics != nil {
					s.metrics.RecordRoutingBlock(resourceID)
				}
				return nil, fail(modelConfig, err)
			}
			if match != nil {
				annotations = append(annotations, annotationEvent{
					Type:          eventTypeRouting,
					Timestamp:     time.Now(),
					OriginalModel: modelConfig,
					RoutedModel:   match.Model,
				})
				modelConfig = match.Model
				routed = true
			}
		}
	}

	chain := append([]types.ModelConfig{modelConfig}, resource.FallbackModels...)
	for i, mc := range chain {
		if i > 0 {
			logger.Info("falling back to next model",
				zap.String("provider", mc.Provider),
				zap.String("model", mc.Model),
				zap.Int("attempt", i))
		}
		att := attempt{model: mc, startAt: time.Now()}

		resp, err := s.tryModel(ctx, resource, mc, req, requestTokens, opts, &att, &gateDuration)
		if err != nil {
			ce := classify(err)
			attempts = append(attempts, events.AuditAttempt{
				Provider:      mc.Provider,
				Model:         mc.Model,
				ConnectionID:  mc.ConnectionID,
				FailureReason: ce.FailureReason,
				ErrorCode:     string(ce.Code),
				DurationMs:    time.Since(att.startAt).Milliseconds(),
			})
			if i == len(chain)-1 {
				logger.Error("all models failed", zap.Error(err))
				return nil, fail(mc, err)
			}

			annotations = append(annotations, annotationEvent{
				Type:          eventTypeFallback,
				Timestamp:     time.Now(),
				FailedModel:   mc,
				FailureReason: ce.FailureReason,
				ErrorMessage:  ce.Message,
			})
			s.publisher.PublishUsage(&events.UsageEvent{
				WorkspaceID:   workspaceID,
				EnvironmentID: environmentID,
				ResourceID:    resourceID,
				ConnectionID:  mc.ConnectionID,
				CorrelationID: correlationID,
				Provider:      mc.Provider,
				Model:         mc.Model,
				Error:         true,
				FailureReason: ce.FailureReason,
			})
			if s.metrics != nil {
				s.metrics.RecordFallback(resourceID, ce.FailureReason)
				s.metrics.RecordCompletion(mc.Provider, mc.Model, strconv.Itoa(ce.StatusCode), time.Since(att.startAt))
			}
			logger.Warn("model attempt failed",
				zap.String("provider", mc.Provider),
				zap.String("model", mc.Model),
				zap.Error(err))
			continue
		}

		attempts = append(attempts, events.AuditAttempt{
			Provider:     mc.Provider,
			Model:        mc.Model,
			ConnectionID: mc.ConnectionID,
			Succeeded:    true,
			DurationMs:   time.Since(att.startAt).Milliseconds(),
		})

		book := &bookkeeping{
			service:       s,
			resource:      resource,
			requestID:     requestID,
			correlationID: correlationID,
			req:           req,
			attempt:       att,
			attempts:      attempts,
			routed:        routed,
			providerStart: time.Now(),
		}
		headers := annotateHeaders(resp.Headers, mc, requestID, correlationID, gateDuration, routingDuration, annotations)

		if resp.Streaming() {
			out := make(chan types.CompletionChunk)
			go s.drainStream(ctx, resp.Stream, out, book, resp.Headers)
			return &types.CompletionResponse{Stream: out, Headers: headers}, nil
		}

		if resp.Data != nil {
			book.usage = resp.Data.Usage
		}
		s.postCompletion(context.WithoutCancel(ctx), book, resp.Headers)
		return &types.CompletionResponse{Data: resp.Data, Headers: headers}, nil
	}

	return nil, fail(modelConfig, types.NewCompletionError(types.ErrNoCompletionResponse, "no completion response").
		WithStatusCode(http.StatusInternalServerError).
		WithFailureReason("No completion response"))
}

// resolveModel picks the primary model, or the secondary model when the
// request pins an index.
func (s *Service) resolveModel(resource *types.AIResource, req *types.CompletionRequest) (types.ModelConfig, bool, error) {
	if req.VMX == nil || req.VMX.SecondaryModelIndex == nil {
		return resource.Model, true, nil
	}
	idx := *req.VMX.SecondaryModelIndex
	if idx < 0 || idx >= len(resource.SecondaryModels) {
		return types.ModelConfig{}, false, types.NewCompletionError(types.ErrSecondaryModelNotFound,
			fmt.Sprintf("secondary model index %d not found", idx)).
			WithStatusCode(http.StatusBadRequest).
			WithFailureReason("Secondary model not found")
	}
	return resource.SecondaryModels[idx], false, nil
}

// tryModel runs one attempt: connection lookup, provider lookup, gate
// admission, provider call.
func (s *Service) tryModel(ctx context.Context, resource *types.AIResource, mc types.ModelConfig, req *types.CompletionRequest, requestTokens int, opts *CompleteOptions, att *attempt, gateDuration *time.Duration) (*types.CompletionResponse, error) {
	conn, err := s.connections.GetByID(ctx, resource.WorkspaceID, resource.EnvironmentID, mc.ConnectionID)
	if err != nil {
		return nil, err
	}
	att.conn = conn

	prov, ok := s.providers.Get(conn.Provider)
	if !ok {
		return nil, types.NewCompletionError(types.ErrProviderNotFound,
			fmt.Sprintf("provider %s not found", conn.Provider)).
			WithStatusCode(http.StatusBadRequest).
			WithFailureReason("Provider not found")
	}

	gateStart := time.Now()
	evals, err := s.gate.Admit(ctx, GateRequest{
		Resource:        resource,
		Connection:      conn,
		Model:           mc,
		SourceIP:        opts.SourceIP,
		EstimatedTokens: int64(requestTokens),
		ExtraCapacity:   opts.ExtraCapacity,
	})
	*gateDuration = time.Since(gateStart)
	if err != nil {
		return nil, err
	}
	att.evals = evals

	return prov.Complete(ctx, req, conn, mc)
}

// bookkeeping is everything the post-completion path needs once the
// provider response (or its final chunk) is in hand.
type bookkeeping struct {
	service       *Service
	resource      *types.AIResource
	requestID     string
	correlationID string
	req           *types.CompletionRequest
	attempt       attempt
	attempts      []events.AuditAttempt
	routed        bool
	providerStart time.Time

	usage       *types.Usage
	timeToFirst time.Duration
}

// drainStream forwards provider chunks, capturing first-chunk latency
// and the trailing usage record, then runs the post-completion path.
func (s *Service) drainStream(ctx context.Context, in <-chan types.CompletionChunk, out chan<- types.CompletionChunk, book *bookkeeping, providerHeaders map[string]string) {
	defer close(out)
	first := true
	abandoned := false
	for chunk := range in {
		if first {
			book.timeToFirst = time.Since(book.providerStart)
			first = false
		}
		if chunk.Usage != nil {
			book.usage = chunk.Usage
		}
		if abandoned {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Receiver gone; keep draining so the provider stream closes.
			abandoned = true
		}
	}
	// Bookkeeping must run even when the request context is cancelled.
	s.postCompletion(context.WithoutCancel(ctx), book, providerHeaders)
}

// postCompletion settles token counters against actual usage, publishes
// usage/audit events and metrics, and folds provider rate-limit headers
// into the connection's discovered capacity.
func (s *Service) postCompletion(ctx context.Context, book *bookkeeping, providerHeaders map[string]string) {
	mc := book.attempt.model
	duration := time.Since(book.attempt.startAt)

	if book.usage != nil && len(book.attempt.evals) > 0 {
		if err := s.gate.ReconcileTokens(ctx, book.attempt.evals, int64(book.req.MaxTokens), int64(book.usage.CompletionTokens)); err != nil {
			s.logger.Warn("failed to reconcile token counters", zap.Error(err))
		}
	}

	usageEvent := &events.UsageEvent{
		WorkspaceID:   book.resource.WorkspaceID,
		EnvironmentID: book.resource.EnvironmentID,
		ResourceID:    book.resource.ResourceID,
		ConnectionID:  mc.ConnectionID,
		CorrelationID: book.correlationID,
		Provider:      mc.Provider,
		Model:         mc.Model,
		Stream:        book.req.Stream,
		DurationMs:    duration.Milliseconds(),
		TimeToFirst:   book.timeToFirst.Milliseconds(),
	}
	if book.usage != nil {
		usageEvent.PromptTokens = book.usage.PromptTokens
		usageEvent.CompletionTokens = book.usage.CompletionTokens
		usageEvent.TotalTokens = book.usage.TotalTokens
	}
	s.publisher.PublishUsage(usageEvent)

	if s.metrics != nil {
		s.metrics.RecordCompletion(mc.Provider, mc.Model, "200", duration)
		if book.usage != nil {
			s.metrics.RecordTokens(mc.Provider, mc.Model, book.usage.PromptTokens, book.usage.CompletionTokens)
		}
		if book.timeToFirst > 0 {
			s.metrics.RecordTimeToFirstToken(mc.Provider, mc.Model, book.timeToFirst)
		}
	}

	s.publisher.PublishAudit(&events.AuditEvent{
		WorkspaceID:    book.resource.WorkspaceID,
		EnvironmentID:  book.resource.EnvironmentID,
		ResourceID:     book.resource.ResourceID,
		RequestID:      book.requestID,
		CorrelationID:  book.correlationID,
		RequestedModel: book.req.Model,
		ServedModel:    mc.Model,
		Routed:         book.routed,
		Attempts:       book.attempts,
		Status:         "ok",
	})

	s.updateDiscoveredCapacity(ctx, book.attempt.conn, mc.Model, providerHeaders)
}

// updateDiscoveredCapacity learns the provider's advertised per-minute
// limits from rate-limit response headers and persists them when they
// differ from the stored entry.
func (s *Service) updateDiscoveredCapacity(ctx context.Context, conn *types.AIConnection, model string, headers map[string]string) {
	if conn == nil || headers == nil {
		return
	}
	requestLimit, err1 := strconv.ParseInt(headers["x-ratelimit-limit-requests"], 10, 64)
	tokensLimit, err2 := strconv.ParseInt(headers["x-ratelimit-limit-tokens"], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}

	var existing []types.Capacity
	if conn.DiscoveredCapacity != nil {
		if entry, ok := conn.DiscoveredCapacity.Models[model]; ok {
			existing = entry.Capacity
		}
	}

	updated := make([]types.Capacity, len(existing))
	copy(updated, existing)
	found := false
	for i := range updated {
		if updated[i].Period != types.PeriodMinute {
			continue
		}
		found = true
		if updated[i].Requests == requestLimit && updated[i].Tokens == tokensLimit {
			return
		}
		updated[i].Requests = requestLimit
		updated[i].Tokens = tokensLimit
	}
	if !found {
		updated = append(updated, types.Capacity{
			Period:   types.PeriodMinute,
			Enabled:  true,
			Requests: requestLimit,
			Tokens:   tokensLimit,
		})
	}

	discovered := &types.DiscoveredCapacity{Models: map[string]types.DiscoveredCapacityEntry{}}
	if conn.DiscoveredCapacity != nil {
		for k, v := range conn.DiscoveredCapacity.Models {
			discovered.Models[k] = v
		}
	}
	discovered.Models[model] = types.DiscoveredCapacityEntry{
		Capacity:  updated,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	s.logger.Info("updating discovered capacity",
		zap.String("connection_id", conn.ConnectionID),
		zap.String("model", model),
		zap.Int64("requests", requestLimit),
		zap.Int64("tokens", tokensLimit))
	if err := s.connections.UpdateDiscoveredCapacity(ctx, conn.WorkspaceID, conn.EnvironmentID, conn.ConnectionID, discovered); err != nil {
		s.logger.Warn("failed to update discovered capacity", zap.Error(err))
	}
}

// publishFailure records the terminal failure of a request in usage,
// audit and metrics.
func (s *Service) publishFailure(workspaceID, environmentID, resourceID, requestID, correlationID, requestedModel string, mc types.ModelConfig, attempts []events.AuditAttempt, err error) {
	ce := classify(err)

	s.publisher.PublishUsage(&events.UsageEvent{
		WorkspaceID:   workspaceID,
		EnvironmentID: environmentID,
		ResourceID:    resourceID,
		ConnectionID:  mc.ConnectionID,
		CorrelationID: correlationID,
		Provider:      mc.Provider,
		Model:         mc.Model,
		Error:         true,
		FailureReason: ce.FailureReason,
	})
	s.publisher.PublishAudit(&events.AuditEvent{
		WorkspaceID:    workspaceID,
		EnvironmentID:  environmentID,
		ResourceID:     resourceID,
		RequestID:      requestID,
		CorrelationID:  correlationID,
		RequestedModel: requestedModel,
		Blocked:        ce.Code == types.ErrBlockedByRouting,
		Attempts:       attempts,
		Status:         "error",
		ErrorCode:      ce.Code,
		ErrorMessage:   ce.Message,
	})
	if s.metrics != nil && mc.Provider != "" {
		s.metrics.RecordCompletion(mc.Provider, mc.Model, strconv.Itoa(ce.StatusCode), 0)
	}
}

// classify normalizes any error into a CompletionError; unclassified
// errors are internal and non-retryable.
func classify(err error) *types.CompletionError {
	if ce, ok := types.AsCompletionError(err); ok {
		return ce
	}
	return types.NewCompletionError(types.ErrInternalError, err.Error()).
		WithStatusCode(http.StatusInternalServerError).
		WithFailureReason("Internal server error").
		WithCause(err)
}
