package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-lite/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux routes /metrics to the Prometheus registry and /health,
// /health/live and /health/ready to the health registry
func NewMux(metrics *Metrics, registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
	mux.HandleFunc("/health/live", health.LivenessHandler())
	mux.HandleFunc("/health/ready", health.ReadinessHandler(registry))
	return mux
}

// Server serves metrics and health over HTTP
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// Serve starts the HTTP server on addr in the background
func Serve(addr string, metrics *Metrics, registry *health.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMux(metrics, registry),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return s
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
