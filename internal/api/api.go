// Package api provides the HTTP server of SurveyPipe.
//
// It receives Chatwoot webhooks and hands them to the orchestrator, and exposes the template
// catalog, a manual template send endpoint, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/chatwoot"
	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Server configuration constants
const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultWebhookTimeout bounds the handling of one webhook delivery.
	DefaultWebhookTimeout = 30 * time.Second
	// DefaultSendTimeout bounds a manual template send.
	DefaultSendTimeout = 15 * time.Second
	// DefaultShutdownTimeout is how long in-flight requests get on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// MaxWebhookBodyBytes caps the size of an accepted webhook body.
	MaxWebhookBodyBytes = 1 << 20
)

// EventHandler processes parsed inbound events. *orchestrator.Orchestrator implements it.
type EventHandler interface {
	HandleInboundEvent(ctx context.Context, ev models.InboundEvent) (models.HandleResult, error)
}

// TemplateCatalog lists and resolves outbound templates. *flow.Definition implements it.
type TemplateCatalog interface {
	Template(name string) (models.TemplateSpec, bool)
	TemplateNames() []string
}

// Opts holds API server configuration.
type Opts struct {
	Addr         string
	WebhookToken string // optional shared secret expected in the ?token= query parameter
	ParseOptions chatwoot.ParseOptions
	Metrics      *metrics.Collector
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithWebhookToken requires webhook calls to carry token.
func WithWebhookToken(token string) Option {
	return func(o *Opts) {
		o.WebhookToken = token
	}
}

// WithParseOptions sets how webhook bodies are decoded.
func WithParseOptions(p chatwoot.ParseOptions) Option {
	return func(o *Opts) {
		o.ParseOptions = p
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	handler    EventHandler
	msgService messaging.Channel
	catalog    TemplateCatalog
	opts       Opts
}

// NewServer creates a Server.
func NewServer(handler EventHandler, msgService messaging.Channel, catalog TemplateCatalog, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	return &Server{
		handler:    handler,
		msgService: msgService,
		catalog:    catalog,
		opts:       cfg,
	}
}

// Routes returns the request multiplexer of the server.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.healthHandler)
	mux.HandleFunc("/webhook/chatwoot", s.webhookHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/send-template", s.sendTemplateHandler)
	mux.Handle("/metrics", s.opts.Metrics.Handler())
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
