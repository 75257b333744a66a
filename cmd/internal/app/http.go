package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessPingTimeout = 2 * time.Second

// Handler returns the full middleware-wrapped route tree.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestID(WithRequestLogging(WithSecurityHeaders(mux), a.log))
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireStore && a.store.kind == StoreMemory {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}

		if err := pingWithTimeout(r.Context(), a.store.store.Ping, readinessPingTimeout); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.store.not_ready", "kind", a.store.kind, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          a.metrics,
	}))

	// Browser clients call /verify-pin cross-origin; the live channel has its own origin policy.
	claimMux := http.NewServeMux()
	a.claimAPI.Register(claimMux)
	mux.Handle("/verify-pin", WithCORS(claimMux, a.cfg, a.log))

	mux.Handle("/ws", a.ws)
}
