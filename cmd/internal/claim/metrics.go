package claim

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the claim subsystem's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	resolutions      *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	releases         *prometheus.CounterVec
	purged           prometheus.Counter
	resolveSeconds   prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg (when non-nil).
// Collectors already present on reg are reused.
func NewMetrics(log *slog.Logger, reg prometheus.Registerer) *Metrics {
	if log == nil {
		log = slog.Default()
	}

	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "claim_resolutions_total",
			Help:      "Claim resolutions by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "claim_evictions_total",
			Help:      "Eviction notices delivered to superseded connections, by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "claim_eviction_delivery_failures_total",
			Help:      "Eviction notices that could not be delivered.",
		}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "claim_releases_total",
			Help:      "Disconnect cleanups by result.",
		}, []string{"result"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "claim_sessions_purged_total",
			Help:      "Expired sessions removed by the purge loop.",
		}),
		resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pinlock",
			Name:      "claim_resolve_duration_seconds",
			Help:      "Resolve latency including eviction grace.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg == nil {
		return m
	}
	m.resolutions = RegisterCollector(log, reg, m.resolutions)
	m.evictions = RegisterCollector(log, reg, m.evictions)
	m.deliveryFailures = RegisterCollector(log, reg, m.deliveryFailures)
	m.releases = RegisterCollector(log, reg, m.releases)
	m.purged = RegisterCollector(log, reg, m.purged)
	m.resolveSeconds = RegisterCollector(log, reg, m.resolveSeconds)
	return m
}

// RegisterCollector registers c on reg. When an equal collector is already
// registered it returns that one, so increments land on the exposed series.
// Any other registration error is logged and c is returned unregistered.
func RegisterCollector[C prometheus.Collector](log *slog.Logger, reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	log.Warn("metrics.register.fail", "err", err)
	return c
}

// RegistryGauge exposes the number of bound PINs as a gauge func.
func RegistryGauge(reg prometheus.Registerer, r *Registry) error {
	if reg == nil || r == nil {
		return nil
	}
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pinlock",
		Name:      "registry_bound_pins",
		Help:      "PINs currently bound to a live connection.",
	}, func() float64 { return float64(r.Len()) }))
}

func (m *Metrics) resolution(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolveSeconds.Observe(seconds)
}

func (m *Metrics) eviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) deliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) release(result string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(result).Inc()
}

func (m *Metrics) purge(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}
