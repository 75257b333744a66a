package claim

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPurgeInterval is how often expired sessions are physically removed.
const DefaultPurgeInterval = time.Minute

// Purger periodically deletes expired sessions. Expired rows are already
// invisible to Get/Update, so purge lag never affects correctness.
type Purger struct {
	log      *slog.Logger
	store    Store
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time
}

// NewPurger returns a Purger. interval <= 0 selects DefaultPurgeInterval.
func NewPurger(log *slog.Logger, store Store, metrics *Metrics, interval time.Duration) *Purger {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	return &Purger{log: log, store: store, metrics: metrics, interval: interval, now: time.Now}
}

// Run purges once immediately, then on every tick until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	if p == nil || p.store == nil {
		return nil
	}

	p.Sweep(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass and returns the number of removed sessions.
func (p *Purger) Sweep(ctx context.Context) int64 {
	n, err := p.store.Purge(ctx, p.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("claim.purge.fail", "err", err)
		}
		return 0
	}
	p.metrics.purge(n)
	if n > 0 {
		p.log.Info("claim.purge.done", "count", n)
	}
	return n
}
