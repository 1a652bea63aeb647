// Package app wires the QuestWhisper subsystems into a running HTTP server.
//
// New builds every subsystem from the config, Run serves until the context
// ends, and Shutdown drains voice sockets and tears everything down in order.
// Tests inject doubles through functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/questwhisper/questwhisper/internal/config"
	"github.com/questwhisper/questwhisper/internal/health"
	"github.com/questwhisper/questwhisper/internal/observe"
	"github.com/questwhisper/questwhisper/internal/relay"
	"github.com/questwhisper/questwhisper/internal/resilience"
	"github.com/questwhisper/questwhisper/internal/toolproxy"
	"github.com/questwhisper/questwhisper/internal/usage"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider live.Provider
	metrics  *observe.Metrics

	usage   usage.Store
	tools   *toolproxy.Client
	relay   *relay.Handler
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	// closers run in order during Shutdown, after the sockets are drained.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUsageStore injects a usage store instead of creating one from config.
func WithUsageStore(s usage.Store) Option {
	return func(a *App) { a.usage = s }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving sessions opened through provider.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: live provider is required")
	}
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Usage ledger ──────────────────────────────────────────────────
	if err := a.initUsage(ctx); err != nil {
		return nil, fmt.Errorf("app: init usage: %w", err)
	}

	// ── 2. Tool proxy ────────────────────────────────────────────────────
	a.initTools()

	// ── 3. Voice relay ───────────────────────────────────────────────────
	relayOpts := []relay.Option{
		relay.WithUsageStore(a.usage),
		relay.WithMetrics(a.metrics),
		relay.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	}
	if a.tools != nil {
		relayOpts = append(relayOpts, relay.WithTools(a.tools.Handler))
	}
	a.relay = relay.New(provider, relaySettings(cfg), relayOpts...)

	// ── 4. Health ────────────────────────────────────────────────────────
	var checks []health.Checker
	if p, ok := a.usage.(health.Pinger); ok {
		checks = append(checks, health.PingChecker("usage", p))
	}
	a.health = health.New(checks...).WithGauges(health.Gauge{Name: "voice_sockets", Value: a.relay.Active})

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.health.Register(mux)
	a.relay.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// initUsage opens the Postgres ledger when a DSN is configured, or falls back
// to an in-memory one.
func (a *App) initUsage(ctx context.Context) error {
	if a.usage != nil {
		return nil
	}
	dsn := a.cfg.Usage.PostgresDSN
	if dsn == "" {
		a.usage = usage.NewMemStore()
		slog.Info("usage ledger in memory")
		return nil
	}
	store, closeFn, err := usage.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.usage = store
	a.closers = append(a.closers, func() error {
		closeFn()
		return nil
	})
	slog.Info("usage ledger connected to postgres")
	return nil
}

func (a *App) initTools() {
	tc := a.cfg.Tools
	if tc.ProxyURL == "" {
		return
	}
	breaker := resilience.NewBreaker(resilience.Config{
		Name:        "tools",
		MaxFailures: tc.Breaker.MaxFailures,
		Cooldown:    tc.Breaker.Cooldown,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("tool endpoint breaker changed state", "from", from, "to", to)
			a.metrics.RecordBreakerState(context.Background(), "tools", to.String())
		},
	})
	opts := []toolproxy.Option{
		toolproxy.WithTimeout(tc.Timeout),
		toolproxy.WithMetrics(a.metrics),
		toolproxy.WithBreaker(breaker),
		toolproxy.WithHTTPClient(observe.HTTPClient(0)),
	}
	for k, v := range tc.Headers {
		opts = append(opts, toolproxy.WithHeader(k, v))
	}
	a.tools = toolproxy.New(tc.ProxyURL, opts...)
	slog.Info("tool proxy enabled", "url", tc.ProxyURL, "tools", len(a.cfg.Live.Tools))
}

func relaySettings(cfg *config.Config) relay.Settings {
	return relay.Settings{
		Session:        cfg.SessionConfig(),
		Detector:       cfg.DetectorConfig(),
		Epsilon:        cfg.Playback.Epsilon,
		ConnectTimeout: cfg.Live.ConnectTimeout,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Usage returns the usage ledger.
func (a *App) Usage() usage.Store { return a.usage }

// ApplyConfig applies the hot-reloadable parts of next. Sessions already open
// keep their settings; new ones use next. Changes that need a restart are
// logged.
func (a *App) ApplyConfig(next *config.Config, d config.ConfigDiff) {
	if d.SessionChanged || d.DetectorChanged || d.PlaybackChanged {
		a.relay.SetSettings(relaySettings(next))
		slog.Info("voice settings reloaded",
			"session", d.SessionChanged,
			"detector", d.DetectorChanged,
			"playback", d.PlaybackChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx ends. It does
// not shut down; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the server fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as not ready, stops accepting requests, closes
// every voice socket and then runs the remaining closers. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sockets", a.relay.Active(), "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.relay.Drain(ctx); err != nil {
			slog.Warn("voice sockets did not drain", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
