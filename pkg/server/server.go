// Package server assembles the gateway's two HTTP listeners: the proxy
// listener (health endpoint plus the catch-all pipeline) and the admin
// listener (account management and Prometheus metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/config"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/provider"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/proxy"
)

// drainTimeout bounds graceful shutdown: in-flight requests get this long
// to finish before the listeners are torn down.
const drainTimeout = 5 * time.Second

// Options wires a Server.
type Options struct {
	Config   *config.Config
	Provider provider.Provider
	Pipeline *proxy.Pipeline
	Metrics  *proxy.Metrics

	// Admin is nil in passthrough mode; the admin listener then serves
	// only /metrics.
	Admin *Admin

	Logger *zap.Logger
}

// Server runs the proxy and admin listeners and coordinates shutdown.
type Server struct {
	cfg      *config.Config
	provider provider.Provider
	pipeline *proxy.Pipeline
	metrics  *proxy.Metrics
	admin    *Admin
	logger   *zap.Logger
}

// New builds a Server from opts.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      opts.Config,
		provider: opts.Provider,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		admin:    opts.Admin,
		logger:   logger,
	}
}

// ProxyHandler builds the proxy listener's router: /health plus the
// catch-all pipeline.
func (s *Server) ProxyHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogging(s.logger.Named("access")))
	if s.cfg.RateLimit.Enabled {
		r.Use(RateLimit(s.cfg.RateLimit, s.logger))
	}

	r.Get("/health", s.handleHealth)
	r.NotFound(s.pipeline.ServeHTTP)
	r.MethodNotAllowed(s.pipeline.ServeHTTP)
	return r
}

// AdminHandler builds the admin listener's router.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogging(s.logger.Named("admin")))

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.admin != nil {
		s.admin.Routes(r)
	}
	return r
}

// healthResponse is the proxy /health payload.
type healthResponse struct {
	Status         string       `json:"status"`
	Mode           string       `json:"mode"`
	UptimeSeconds  uint64       `json:"uptime_seconds"`
	RequestsServed uint64       `json:"requests_served"`
	ErrorsTotal    uint64       `json:"errors_total"`
	Pool           *pool.Health `json:"pool,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ph := s.provider.Health()
	resp := healthResponse{
		Status:         ph.Status,
		Mode:           s.cfg.Mode(),
		UptimeSeconds:  s.metrics.UptimeSeconds(),
		RequestsServed: s.metrics.RequestsServed(),
		ErrorsTotal:    s.metrics.ErrorsTotal(),
		Pool:           ph.Pool,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Run serves both listeners until ctx is cancelled, then drains in-flight
// requests for up to drainTimeout. Requests still running when the deadline
// hits are logged and cut off.
func (s *Server) Run(ctx context.Context) error {
	proxySrv := &http.Server{
		Addr:    s.cfg.Proxy.ListenAddr,
		Handler: s.ProxyHandler(),
	}
	adminSrv := &http.Server{
		Addr:    s.cfg.Admin.ListenAddr,
		Handler: s.AdminHandler(),
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("proxy listening", zap.String("addr", proxySrv.Addr))
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Info("admin listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down, draining in-flight requests",
		zap.Duration("deadline", drainTimeout),
		zap.Int64("in_flight", s.metrics.InFlight()))

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := proxySrv.Shutdown(drainCtx); err != nil {
		s.logger.Warn("drain deadline exceeded, forcing shutdown",
			zap.Int64("in_flight_remaining", s.metrics.InFlight()))
		_ = proxySrv.Close()
	}
	_ = adminSrv.Shutdown(drainCtx)

	s.logger.Info("shutdown complete")
	return nil
}
