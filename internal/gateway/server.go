// SPDX-License-Identifier: MIT

// Package gateway is the HTTP front door: task creation with the
// reuse-or-dispatch decision, status reads, file operations against the
// object store, and the monitoring surface.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/internal/callback"
	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/node"
	"github.com/clipflow/clipflow/internal/objstore"
	"github.com/clipflow/clipflow/internal/workflow"
)

// Server hosts the gateway HTTP API. It holds only the silent state-manager
// handle: request handlers can never perform object-store side effects.
type Server struct {
	cfg       config.Config
	mgr       *workflow.Manager
	kv        *kv.Store
	store     objstore.Store
	registry  *node.Registry
	lock      *gpulock.Lock
	callbacks *callback.Sender
	logger    zerolog.Logger

	httpServer *http.Server
}

// New wires a Server from its collaborators.
func New(cfg config.Config, mgr *workflow.Manager, store *kv.Store, objects objstore.Store, registry *node.Registry, lock *gpulock.Lock, callbacks *callback.Sender, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mgr:       mgr,
		kv:        store,
		store:     objects,
		registry:  registry,
		lock:      lock,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	s.registerSystemRoutes(r)
	s.registerTaskRoutes(r)
	s.registerFileRoutes(r)
	s.registerMonitoringRoutes(r)
	return r
}

func (s *Server) registerSystemRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

func (s *Server) registerTaskRoutes(r chi.Router) {
	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/{taskID}/status", s.handleTaskState)
		r.Get("/{taskID}/result", s.handleTaskState)
	})
}

func (s *Server) registerFileRoutes(r chi.Router) {
	r.Route("/v1/files", func(r chi.Router) {
		r.Post("/upload", s.handleFileUpload)
		r.Get("/download/*", s.handleFileDownload)
		r.Delete("/directories", s.handleDeleteDirectory)
		r.Delete("/*", s.handleFileDelete)
	})
}

func (s *Server) registerMonitoringRoutes(r chi.Router) {
	r.Route("/api/v1/monitoring", func(r chi.Router) {
		r.Get("/gpu-lock/status", s.handleLockStatus)
		r.Post("/release-lock", s.handleReleaseLock)
		r.Get("/heartbeat/all", s.handleHeartbeats)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/queue/depth", s.handleQueueDepth)
	})
}

// Start runs the HTTP server until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.kv.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "redis": err.Error()})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "object_store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
