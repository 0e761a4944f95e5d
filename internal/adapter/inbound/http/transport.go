package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport is the inbound HTTP server binding the public handler, the admin
// handler, and the Prometheus exposition together.
type Transport struct {
	handler http.Handler
	server  *http.Server
	addr    string
	admin   http.Handler
	logger  *slog.Logger
}

// Option configures the transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithAdminHandler mounts the admin surface under /admin/.
func WithAdminHandler(h http.Handler) Option {
	return func(t *Transport) { t.admin = h }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport builds the full route tree and middleware chain.
func NewTransport(public *Handler, registry *prometheus.Registry, opts ...Option) *Transport {
	t := &Transport{
		addr:   "127.0.0.1:8080",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	public.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry: registry,
	}))
	if t.admin != nil {
		mux.Handle("/admin/", t.admin)
	}

	// Middleware chain, outermost first: body limit, then correlation ID.
	var handler http.Handler = mux
	handler = CorrelationIDMiddleware(t.logger)(handler)
	handler = BodyLimitMiddleware(handler)
	t.handler = handler
	return t
}

// Handler exposes the composed route tree, mainly for tests.
func (t *Transport) Handler() http.Handler { return t.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		t.logger.Info("HTTP server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
