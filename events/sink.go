package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/store"
)

// SinkConfig tunes the background event writer.
type SinkConfig struct {
	// BufferSize is the channel capacity; events beyond it are dropped.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// WriteTimeout bounds each database insert.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultSinkConfig returns the default sink configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:   1024,
		WriteTimeout: 5 * time.Second,
	}
}

// StoreSink writes usage and audit events into the database from a
// single background worker. Publishing is non-blocking; when the buffer
// is full the event is dropped and counted.
type StoreSink struct {
	store  *store.Store
	config SinkConfig
	logger *zap.Logger

	ch      chan any
	dropped int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewStoreSink starts the background writer.
func NewStoreSink(st *store.Store, cfg SinkConfig, logger *zap.Logger) *StoreSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultSinkConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultSinkConfig().WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StoreSink{
		store:  st,
		config: cfg,
		logger: logger.With(zap.String("component", "event_sink")),
		ch:     make(chan any, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// PublishUsage enqueues a usage event.
func (s *StoreSink) PublishUsage(event *UsageEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.publish(event)
}

// PublishAudit enqueues an audit event.
func (s *StoreSink) PublishAudit(event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.publish(event)
}

func (s *StoreSink) publish(event any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.ch <- event:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n%100 == 1 {
			s.logger.Warn("event buffer full, dropping events", zap.Int64("dropped_total", n))
		}
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *StoreSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the worker after draining buffered events.
func (s *StoreSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.ch)
	<-s.done
	return nil
}

func (s *StoreSink) run() {
	defer close(s.done)
	for event := range s.ch {
		s.write(event)
	}
}

func (s *StoreSink) write(event any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	switch e := event.(type) {
	case *UsageEvent:
		doc, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("failed to marshal usage event", zap.Error(err))
			return
		}
		if err := s.store.InsertUsage(ctx, e.WorkspaceID, e.EnvironmentID, e.ResourceID, doc, e.Timestamp); err != nil {
			s.logger.Error("failed to write usage event", zap.Error(err),
				zap.String("resource_id", e.ResourceID))
		}
	case *AuditEvent:
		doc, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("failed to marshal audit event", zap.Error(err))
			return
		}
		if err := s.store.InsertAudit(ctx, e.WorkspaceID, e.EnvironmentID, e.ResourceID, e.RequestID, doc, e.Timestamp); err != nil {
			s.logger.Error("failed to write audit event", zap.Error(err),
				zap.String("request_id", e.RequestID))
		}
	}
}
