// Package app wires the pinlock server runtime: config, logging, the session
// store, HTTP routes, and the live channel gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pinlock/cmd/internal/claim"
	claimapi "pinlock/cmd/internal/claim/api"
	"pinlock/cmd/internal/realtime"
	"pinlock/cmd/security/pinfp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the pinlock server runtime: it owns the session store, the claim
// resolver and the HTTP surfaces built on it.
type App struct {
	cfg Config
	log Logger

	store   *storeHandle
	metrics *prometheus.Registry

	resolver *claim.Resolver
	purger   *claim.Purger

	ws       *realtime.WSGateway
	claimAPI *claimapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	fp, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, log, st, fp)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func build(cfg Config, log Logger, st *storeHandle, fp *pinfp.Fingerprinter) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	claimMetrics := claim.NewMetrics(log, reg)
	registry := claim.NewRegistry()
	if err := claim.RegistryGauge(reg, registry); err != nil {
		return nil, err
	}

	resolver, err := claim.NewResolver(log, st.store, registry,
		claim.WithRetention(nonZeroDuration(cfg.SessionRetention, claim.DefaultRetention)),
		claim.WithEvictionGrace(cfg.EvictGrace),
		claim.WithEvictFlushTimeout(nonZeroDuration(cfg.EvictFlushTimeout, 2*time.Second)),
		claim.WithMetrics(claimMetrics),
		claim.WithFingerprinter(fp),
	)
	if err != nil {
		return nil, err
	}

	api, err := claimapi.NewHandler(log, resolver, claimapi.DefaultConfig())
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	ws, err := realtime.NewWSGateway(log, resolver,
		realtime.WithHub(hub),
		realtime.WithMetrics(realtime.NewMetrics(log, reg, hub)),
		realtime.WithFingerprinter(fp),
		realtime.WithRequireClaim(cfg.WSRequireClaim),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  reg,
		resolver: resolver,
		purger:   claim.NewPurger(log, st.store, claimMetrics, cfg.PurgeInterval),
		ws:       ws,
		claimAPI: api,
	}, nil
}

// Run starts the HTTP server and purge loop, blocking until ctx is canceled
// or the server fails. Live connections are closed and released before the
// store is closed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Handles left behind by a previous process point at sockets that no longer exist.
	if _, err := a.resolver.Reconcile(ctx); err != nil {
		a.log.Warn("claim.reconcile.fail", "err", err)
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.store.kind,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.purger.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		a.ws.Shutdown()
		if err := a.ws.Hub().WaitEmpty(shutdownCtx); err != nil {
			a.log.Warn("ws.drain.fail", "remaining", a.ws.Hub().Len(), "err", err)
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.store.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
