/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the gateway over HTTP: the transparent data plane
// under /api/v1 and /api/v2, and the admin surface (status, WAL, mappings,
// transaction safety, metrics, probes) beside it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jordigilh/vectorgate/pkg/backend"
	"github.com/jordigilh/vectorgate/pkg/mapping"
	"github.com/jordigilh/vectorgate/pkg/metrics"
	"github.com/jordigilh/vectorgate/pkg/router"
	"github.com/jordigilh/vectorgate/pkg/txlog"
	"github.com/jordigilh/vectorgate/pkg/wal"
)

// DBHealth answers whether the coordination database is reachable.
// Satisfied by *database.DB.
type DBHealth interface {
	Healthy(ctx context.Context) bool
}

// MemoryStatus is the memory view on /status. Satisfied by
// *memwatch.Watcher.
type MemoryStatus interface {
	RSS() uint64
	LimitBytes() uint64
	UnderPressure() bool
}

// PerfSnapshot exposes the latest performance samples. Satisfied by
// *perf.Sampler.
type PerfSnapshot interface {
	Snapshot() (map[string]float64, time.Time)
}

// Config contains server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadReplicaRatio is reported on /status as part of the strategy.
	ReadReplicaRatio float64
	// DefaultTenant and DefaultDatabase scope the collection-absence check
	// behind mapping deletion.
	DefaultTenant   string
	DefaultDatabase string
}

// Deps wires the server's collaborators. Memory and Perf are optional.
type Deps struct {
	Router    *router.Router
	Registry  *backend.Registry
	Forwarder *backend.Forwarder
	Mappings  *mapping.Store
	WAL       *wal.Store
	SyncLog   *wal.SyncLog
	Replayer  *wal.Replayer
	TxLog     *txlog.Log
	Recoverer *txlog.Recoverer
	DB        DBHealth
	Memory    MemoryStatus
	Perf      PerfSnapshot
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the gateway's HTTP front. Readiness flips to 503 the moment
// shutdown begins so load balancers stop sending new traffic before the
// listener closes.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	httpServer     *http.Server
	isShuttingDown atomic.Bool
}

// New builds the server. Start runs it; Shutdown drains it.
func New(cfg Config, deps Deps) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the configured HTTP handler. Exposed separately so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Chroma-Token", "X-Client-Session"},
		ExposedHeaders: []string{"X-Transaction-ID", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleHealth)
	r.Get("/health/ready", s.handleReadiness)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Get("/status", s.handleStatus)

	r.Route("/wal", func(r chi.Router) {
		r.Get("/status", s.handleWALStatus)
		r.Post("/cleanup", s.handleWALCleanup)
		r.Post("/replay/trigger", s.handleReplayTrigger)
	})

	r.Route("/collection/mappings", func(r chi.Router) {
		r.Get("/", s.handleListMappings)
		r.Delete("/{name}", s.handleDeleteMapping)
	})

	r.Route("/transaction/safety", func(r chi.Router) {
		r.Get("/status", s.handleTxStatus)
		r.Get("/transaction/{id}", s.handleTxGet)
		r.Post("/recovery/trigger", s.handleTxRecovery)
		r.Post("/cleanup", s.handleTxCleanup)
	})

	// Everything under the backend API namespace is the data plane.
	dataPlane := s.deps.Router.Handler()
	r.Handle("/api/v1/*", dataPlane)
	r.Handle("/api/v2/*", dataPlane)

	return r
}

// Start serves until the listener closes. ErrServerClosed after a graceful
// Shutdown is not an error.
func (s *Server) Start() error {
	s.httpServer.Handler = s.Handler()
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown flips readiness, refuses new writes, and drains in-flight
// connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isShuttingDown.Store(true)
	s.deps.Router.SetDraining(true)
	s.logger.Info("shutdown started, readiness now 503, writes refused")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain http connections: %w", err)
	}
	s.logger.Info("http connections drained")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	if s.deps.DB != nil && !s.deps.DB.Healthy(r.Context()) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "coordination database unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
