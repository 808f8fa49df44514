// Package app wires one signed-in sync session: config, logging, metrics and
// the transport, membership, reconciler and presence components every
// controller of that session shares.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"convsync/cmd/internal/chatapi"
	"convsync/cmd/internal/conversation"
	"convsync/cmd/internal/membership"
	"convsync/cmd/internal/presence"
	"convsync/cmd/internal/reconcile"
	"convsync/cmd/internal/session"
	"convsync/cmd/internal/transport"
)

// Option customizes New.
type Option func(*options)

type options struct {
	dialer     transport.Dialer
	registry   *prometheus.Registry
	httpClient *http.Client
}

// WithDialer replaces the WebSocket dialer, e.g. with an in-memory server in tests.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient replaces the collaborator HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// App owns the shared components of one session.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	transport *transport.Transport
	rooms     *membership.Tracker
	messages  *reconcile.Reconciler
	presence  *presence.Tracker
	api       *chatapi.Client
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errors.New("app: nil logger")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.dialer == nil {
		o.dialer = transport.WebSocketDialer{URL: cfg.WSURL}
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: nonZeroDuration(cfg.HTTPTimeout, 15*time.Second)}
	}

	api, err := chatapi.New(cfg.APIURL, chatapi.WithHTTPClient(o.httpClient), chatapi.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	tr := transport.New(cfg.transport(), o.dialer,
		transport.WithLogger(log),
		transport.WithMetrics(transport.NewMetrics(o.registry)),
	)

	a := &App{
		cfg:       cfg,
		log:       log,
		reg:       o.registry,
		transport: tr,
		rooms:     membership.New(tr, log),
		messages: reconcile.New(cfg.reconciler(),
			reconcile.WithLogger(log),
			reconcile.WithMetrics(reconcile.NewMetrics(o.registry)),
		),
		presence: presence.New(tr,
			presence.WithLogger(log),
			presence.WithTypingTimeout(cfg.TypingTimeout),
		),
		api: api,
	}
	// Shared state outlives any one controller, so it resets even when no
	// view is attached at logout.
	tr.OnSessionEnd(a.resetSessionState)
	return a, nil
}

func (a *App) resetSessionState() {
	a.messages.Reset()
	a.presence.Reset()
	a.rooms.Reset()
}

// Controller returns a controller for sess backed by the shared components.
// Every view of the session gets its own controller; they share one connection.
func (a *App) Controller(sess *session.Session, notify func(conversation.Notice)) *conversation.Controller {
	return conversation.New(sess, conversation.Deps{
		Realtime:   a.transport,
		API:        a.api,
		Membership: a.rooms,
		Messages:   a.messages,
		Presence:   a.presence,
		Log:        a.log,
		Notify:     notify,
	})
}

// Transport exposes the shared connection.
func (a *App) Transport() *transport.Transport { return a.transport }

// Registry exposes the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Close ends the session: the connection goes down and session state is reset.
func (a *App) Close() { a.transport.Disconnect() }

// ServeDiagnostics serves /healthz, /readyz and /metrics on cfg.MetricsAddr
// until ctx is done. It returns nil immediately when MetricsAddr is empty.
func (a *App) ServeDiagnostics(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}

	mux := newDiagnosticsMux(a.log, a.reg, func() bool {
		return a.transport.State() == transport.StateAuthenticated
	})
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.log.Info("diagnostics.start", "addr", a.cfg.MetricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("diagnostics.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("diagnostics.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("diagnostics.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
