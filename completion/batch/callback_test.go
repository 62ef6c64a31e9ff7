package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/types"
)

func TestCallbackSenderDelivers(t *testing.T) {
	var mu sync.Mutex
	var gotHeader string
	var got callbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeader = r.Header.Get("x-auth")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	sender := NewCallbackSender(zap.NewNop())
	sender.Send(context.Background(), &types.CallbackOptions{
		URL:     srv.URL,
		Headers: map[string]string{"x-auth": "secret"},
		Events:  []types.CallbackEvent{types.CallbackEventBatchUpdate},
	}, types.CallbackEventBatchUpdate, map[string]string{"batch_id": "b1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, types.CallbackEventBatchUpdate, got.Event)
}

func TestCallbackSenderFiltersEvents(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	sender := NewCallbackSender(zap.NewNop())
	opts := &types.CallbackOptions{
		URL:    srv.URL,
		Events: []types.CallbackEvent{types.CallbackEventBatchUpdate},
	}
	sender.Send(context.Background(), opts, types.CallbackEventItemUpdate, nil)
	assert.Zero(t, hits, "unsubscribed events are not delivered")

	sender.Send(context.Background(), opts, types.CallbackEventBatchUpdate, nil)
	assert.Equal(t, 1, hits)
}

func TestCallbackSenderRetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewCallbackSender(zap.NewNop())
	sender.Send(context.Background(), &types.CallbackOptions{
		URL:    srv.URL,
		Events: []types.CallbackEvent{types.CallbackEventAll},
	}, types.CallbackEventItemUpdate, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestCallbackSenderNilOptions(t *testing.T) {
	sender := NewCallbackSender(zap.NewNop())
	// Must not panic or block.
	sender.Send(context.Background(), nil, types.CallbackEventItemUpdate, nil)
}
