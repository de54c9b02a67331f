package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/metrics"
)

// Server is the gateway's HTTP front end: the proxy surface plus the
// health and metrics endpoints.
type Server struct {
	http *http.Server
}

// NewServer builds the server around an assembled pipeline.
func NewServer(addr string, gw *Gateway) *Server {
	mux := http.NewServeMux()
	mux.Handle("/g/", gw)
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.CountersHandler())
	mux.Handle("/metrics/prometheus", metrics.Handler())

	return &Server{
		http: &http.Server{
			Addr:    addr,
			Handler: mux,
			// The write deadline must exceed the largest route
			// timeout; response bodies are buffered, not streamed.
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	lg := log.WithComponent("server")
	lg.Info().Str("addr", s.http.Addr).Msg("gateway listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
