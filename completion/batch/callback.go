package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/types"
)

const (
	callbackRetries   = 5
	callbackBaseDelay = 500 * time.Millisecond
)

// CallbackSender POSTs batch and item updates to the batch's callback
// URL. Delivery is best-effort with exponential backoff; failures are
// logged, never propagated.
type CallbackSender struct {
	client *http.Client
	logger *zap.Logger
}

// NewCallbackSender creates the sender with a bounded-timeout client.
func NewCallbackSender(logger *zap.Logger) *CallbackSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackSender{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(zap.String("component", "batch_callback")),
	}
}

// callbackPayload is the JSON body delivered to the callback URL.
type callbackPayload struct {
	Event   types.CallbackEvent `json:"event"`
	Payload any                 `json:"payload"`
}

// Send delivers one event when the batch subscribes to it.
func (s *CallbackSender) Send(ctx context.Context, opts *types.CallbackOptions, event types.CallbackEvent, payload any) {
	if opts == nil || opts.URL == "" {
		s.logger.Warn("callback URL not configured, skipping delivery")
		return
	}
	if !opts.Matches(event) {
		return
	}

	body, err := json.Marshal(callbackPayload{Event: event, Payload: payload})
	if err != nil {
		s.logger.Error("failed to marshal callback payload", zap.Error(err))
		return
	}

	var lastErr error
	for i := 0; i < callbackRetries; i++ {
		if i > 0 {
			delay := callbackBaseDelay * (1 << (i - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = s.post(ctx, opts, body); lastErr == nil {
			s.logger.Debug("callback delivered",
				zap.String("url", opts.URL),
				zap.String("event", string(event)))
			return
		}
	}
	s.logger.Error("callback delivery failed",
		zap.String("url", opts.URL),
		zap.String("event", string(event)),
		zap.Error(lastErr))
}

func (s *CallbackSender) post(ctx context.Context, opts *types.CallbackOptions, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
