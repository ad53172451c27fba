// Package api exposes the REST control surface of the validation daemon.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oriys/cleanroom/internal/coordinator"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/metrics"
	"github.com/oriys/cleanroom/internal/observability"
	"github.com/oriys/cleanroom/internal/ratelimit"
	"github.com/oriys/cleanroom/internal/store"
	"github.com/oriys/cleanroom/internal/vmpool"
)

// Server wires the HTTP surface to the coordinator and stores.
type Server struct {
	coord     *coordinator.Coordinator
	store     store.JobStore
	analytics *store.AnalyticsStore // optional
	pool      *vmpool.Pool          // optional (nil when phase 3 is disabled)
	limiter   *ratelimit.Limiter    // optional

	httpServer *http.Server
}

func NewServer(coord *coordinator.Coordinator, s store.JobStore, analytics *store.AnalyticsStore, pool *vmpool.Pool) *Server {
	return &Server{coord: coord, store: s, analytics: analytics, pool: pool}
}

// WithRateLimit enables per-client rate limiting on the API routes.
func (s *Server) WithRateLimit(limiter *ratelimit.Limiter) *Server {
	s.limiter = limiter
	return s
}

// Routes builds the handler tree. Split from Start so tests can drive it
// through httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/jobs/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/results", s.handleJobResults)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("DELETE /api/admin/jobs/{id}", s.handlePurgeJob)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/analytics/noise-reduction", s.handleNoiseReduction)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = ratelimit.Middleware(s.limiter, []string{"/api/health", "/metrics"})(handler)
	}
	return observability.HTTPMiddleware(handler)
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("http server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
