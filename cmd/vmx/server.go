package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/completion"
	"github.com/vmx-ai/vmx/completion/batch"
	"github.com/vmx-ai/vmx/config"
	"github.com/vmx-ai/vmx/events"
	"github.com/vmx-ai/vmx/internal/cache"
	"github.com/vmx-ai/vmx/provider"
	"github.com/vmx-ai/vmx/store"
	"github.com/vmx-ai/vmx/tokenizer"
	"github.com/vmx-ai/vmx/types"
)

// Server wires the gateway components and serves the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	cache    *cache.Manager
	store    *store.Store
	sink     *events.StoreSink
	service  *completion.Service
	batches  *batch.Lifecycle
	consumer *batch.Consumer

	httpServer    *http.Server
	metricsServer *http.Server

	cancelConsumer context.CancelFunc
	shutdown       chan os.Signal
}

// NewServer builds the full component graph from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	st, err := store.Open(store.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Database.Driver == "sqlite" {
		if err := st.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}

	var collector *events.Collector
	if cfg.Metrics.Enabled {
		collector = events.NewCollector("vmx", prometheus.DefaultRegisterer)
	}

	sink := events.NewStoreSink(st, events.SinkConfig{
		BufferSize:   cfg.Events.BufferSize,
		WriteTimeout: cfg.Events.WriteTimeout,
	}, logger)

	providers := provider.NewRegistry()
	providers.Register(provider.NewOpenAIProvider(provider.OpenAIOptions{Logger: logger}))

	estimator := tokenizer.NewTiktokenEstimator()
	gate := completion.NewGate(cacheManager.Client(), collector, logger)
	router := completion.NewRouter(logger)

	service := completion.NewService(completion.ServiceOptions{
		Store:     st,
		Providers: providers,
		Gate:      gate,
		Router:    router,
		Estimator: estimator,
		Publisher: sink,
		Metrics:   collector,
		Logger:    logger,
	})

	queue := batch.NewQueue(cacheManager.Client(), batch.QueueConfig{
		LockTTL:     cfg.Queue.LockTTL,
		WakeTimeout: cfg.Queue.WakeTimeout,
	}, logger)
	lifecycle := batch.NewLifecycle(st, queue, estimator, logger)

	var consumer *batch.Consumer
	if cfg.Consumer.Enabled {
		consumer = batch.NewConsumer(queue, lifecycle, service, batch.NewCallbackSender(logger), collector,
			batch.ConsumerConfig{
				MaxConcurrentTasks: cfg.Consumer.MaxConcurrentTasks,
				ResourcesPerPoll:   cfg.Consumer.ResourcesPerPoll,
				PollInterval:       cfg.Consumer.PollInterval,
			}, logger)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		cache:    cacheManager,
		store:    st,
		sink:     sink,
		service:  service,
		batches:  lifecycle,
		consumer: consumer,
		shutdown: make(chan os.Signal, 1),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/workspaces/{workspace}/environments/{environment}/resources/{resource}/completions", s.handleCompletion)
	mux.HandleFunc("POST /v1/workspaces/{workspace}/environments/{environment}/batches", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/workspaces/{workspace}/environments/{environment}/batches/{batch}", s.handleGetBatch)
	mux.HandleFunc("POST /v1/workspaces/{workspace}/environments/{environment}/batches/{batch}/cancel", s.handleCancelBatch)
	return mux
}

// Start begins serving and, when enabled, starts the batch consumer.
func (s *Server) Start() error {
	consumerCtx, cancel := context.WithCancel(context.Background())
	s.cancelConsumer = cancel
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
				s.logger.Error("batch consumer exited", zap.Error(err))
			}
		}()
	}

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("http server failed", zap.Error(err))
		}
	}()
	if s.metricsServer != nil {
		go func() {
			s.logger.Info("metrics server listening", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	signal.Notify(s.shutdown, syscall.SIGINT, syscall.SIGTERM)
	return nil
}

// WaitForShutdown blocks until a signal arrives, then drains everything.
func (s *Server) WaitForShutdown() {
	<-s.shutdown
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.cancelConsumer != nil {
		s.cancelConsumer()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown incomplete", zap.Error(err))
		}
	}
	if err := s.sink.Close(); err != nil {
		s.logger.Warn("event sink close failed", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("redis close failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	environmentID := r.PathValue("environment")
	resourceID := r.PathValue("resource")

	req := &types.CompletionRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, types.NewCompletionError(types.ErrInvalidRequest, "malformed request body").
			WithStatusCode(http.StatusBadRequest))
		return
	}
	req.Headers = flattenRequestHeaders(r.Header)

	resp, err := s.service.Complete(r.Context(), workspaceID, environmentID, resourceID, req,
		&completion.CompleteOptions{SourceIP: sourceIP(r)})
	if err != nil {
		writeError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	if resp.Streaming() {
		s.streamResponse(w, r, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp.Data)
}

// streamResponse forwards chunks as server-sent events.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, resp *types.CompletionResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.NewCompletionError(types.ErrInternalError, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for chunk := range resp.Stream {
		if r.Context().Err() != nil {
			return
		}
		fmt.Fprint(w, "data: ")
		if err := enc.Encode(chunk); err != nil {
			return
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace")
	environmentID := r.PathValue("environment")

	params := batch.CreateParams{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, types.NewCompletionError(types.ErrInvalidRequest, "malformed request body").
			WithStatusCode(http.StatusBadRequest))
		return
	}
	if params.Type == "" {
		params.Type = types.BatchTypeAsync
	}

	created, err := s.batches.Create(r.Context(), workspaceID, environmentID, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.GetByID(r.Context(), r.PathValue("workspace"), r.PathValue("environment"), r.PathValue("batch"))
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("include_items") == "true" {
		items, err := s.batches.ListItems(r.Context(), b.WorkspaceID, b.EnvironmentID, b.BatchID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batch": b, "items": items})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	err := s.batches.Cancel(r.Context(), r.PathValue("workspace"), r.PathValue("environment"), r.PathValue("batch"), "cancelled by user")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if ce, ok := types.AsCompletionError(err); ok {
		writeJSON(w, ce.StatusCode, map[string]any{"error": ce})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{"code": string(types.ErrInternalError), "message": err.Error()},
	})
}

// flattenRequestHeaders lowercases header names and keeps first values,
// the shape routing conditions match against.
func flattenRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
