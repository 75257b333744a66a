package claim

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsResolutionsAndEvictions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first := NewMetrics(testLogger(), reg)
	// A second set on the same registry reuses the registered collectors.
	m := NewMetrics(testLogger(), reg)
	if m.resolutions != first.resolutions || m.releases != first.releases {
		t.Fatalf("second NewMetrics must reuse registered collectors")
	}

	clock := newFakeClock()
	registry := NewRegistry()
	r, err := NewResolver(testLogger(), newMemoryStore(t), registry,
		WithClock(clock.Now), WithEvictionGrace(0), WithMetrics(m), WithEvictFlushTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if err := RegistryGauge(reg, registry); err != nil {
		t.Fatalf("RegistryGauge: %v", err)
	}

	ctx := context.Background()
	mustResolve(t, r, Request{PIN: "1", DeviceID: "a", DeviceName: "A", Conn: newFakeConn("c1")})
	mustResolve(t, r, Request{PIN: "1", DeviceID: "b", DeviceName: "B", Conn: newFakeConn("c2")})
	_, _ = r.Resolve(ctx, Request{PIN: "", DeviceID: "a", DeviceName: "A"})
	if _, err := r.Release(ctx, "c2"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("created")); got != 1 {
		t.Fatalf("created=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("superseded")); got != 1 {
		t.Fatalf("superseded=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.evictions.WithLabelValues(ReasonSupersededByOtherDevice)); got != 1 {
		t.Fatalf("evictions=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.releases.WithLabelValues("cleared")); got != 1 {
		t.Fatalf("releases=%v want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "pinlock_claim_resolutions_total"); err != nil || n != 3 {
		t.Fatalf("exposed resolution series=%d err=%v want 3", n, err)
	}
	if got := testutil.ToFloat64(first.resolutions.WithLabelValues("created")); got != 1 {
		t.Fatalf("increments must reach the exposed series, created=%v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.resolution("created", 0.1)
	m.eviction("x")
	m.deliveryFailure()
	m.release("cleared")
	m.purge(3)
}
