// Package api provides HTTP handlers and the main API server logic for
// BookingPipe.
//
// It exposes RESTful endpoints for conversation sessions and the service
// catalog, plus the Twilio inbound webhook. All conversation semantics live
// in the flow package; handlers only translate HTTP to orchestrator calls.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	MsgService messaging.Service
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessagingService sets the messaging channel used by the Twilio webhook.
func WithMessagingService(svc messaging.Service) Option {
	return func(o *Opts) { o.MsgService = svc }
}

// Server is the BookingPipe HTTP API server.
type Server struct {
	orchestrator *flow.Orchestrator
	backend      booking.Client
	msgService   messaging.Service
	addr         string
	httpServer   *http.Server
}

// NewServer creates an API server over the orchestrator and backend client.
func NewServer(orchestrator *flow.Orchestrator, backend booking.Client, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("api.NewServer: creating server", "addr", cfg.Addr, "hasMessaging", cfg.MsgService != nil)
	return &Server{
		orchestrator: orchestrator,
		backend:      backend,
		msgService:   cfg.MsgService,
		addr:         cfg.Addr,
	}
}

// Handler returns the server's HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/services", s.servicesHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sessions/", s.sessionSubtreeHandler)
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		return nil
	}
}
