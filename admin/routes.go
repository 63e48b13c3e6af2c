package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter registers /health, /status and, when telemetry is enabled, /metrics
func NewRouter(handlers *Handlers, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)
	r.With(AuthMiddleware(token)).Get("/status", handlers.handleStatus)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}

// Server is the admin HTTP server
type Server struct {
	srv *http.Server
}

// NewServer creates a server for the [prometheus] configuration block
func NewServer(config cfg.PrometheusConfiguration, handlers *Handlers) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(config.Address, strconv.Itoa(config.Port)),
			Handler:           NewRouter(handlers, config.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens in the background. Listen failures are returned to errs.
func (s *Server) Start(errs func(error)) {
	log.Info().Str("address", s.srv.Addr).Msg("Admin server listening")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs(err)
		}
	}()
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
