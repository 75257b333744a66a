package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pinlock/cmd/security/pinfp"
)

const (
	defaultEvictFlushTimeout = 2 * time.Second
	defaultEvictGrace        = 250 * time.Millisecond
)

// Resolver decides every claim on a PIN and keeps Store and Registry in step.
//
// Concurrency model:
//   - Resolve and Release for the same PIN are serialized by a per-PIN lock.
//   - Store write happens-before Registry bind; a failed write leaves both untouched.
//   - The eviction notice to a prior connection is flushed (bounded) before Resolve returns,
//     so the requester's success outcome is always emitted after it.
type Resolver struct {
	log      *slog.Logger
	store    Store
	registry *Registry
	locks    *keyedMutex
	metrics  *Metrics
	fp       *pinfp.Fingerprinter

	now               func() time.Time
	retention         time.Duration
	evictFlushTimeout time.Duration
	evictGrace        time.Duration
}

// Option configures Resolver behavior.
type Option func(*Resolver) error

// WithRetention sets the hard TTL applied on every claim (default 24h).
func WithRetention(d time.Duration) Option {
	return func(r *Resolver) error {
		if d <= 0 {
			return errors.New("claim: retention must be positive")
		}
		r.retention = d
		return nil
	}
}

// WithEvictionGrace sets the pause between a delivered eviction notice and the forced close.
// Zero disables the pause.
func WithEvictionGrace(d time.Duration) Option {
	return func(r *Resolver) error {
		if d < 0 {
			return errors.New("claim: negative eviction grace")
		}
		r.evictGrace = d
		return nil
	}
}

// WithEvictFlushTimeout bounds how long delivery of one eviction notice may take.
func WithEvictFlushTimeout(d time.Duration) Option {
	return func(r *Resolver) error {
		if d <= 0 {
			return errors.New("claim: flush timeout must be positive")
		}
		r.evictFlushTimeout = d
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) error {
		if now == nil {
			return errors.New("claim: nil clock")
		}
		r.now = now
		return nil
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) error {
		r.metrics = m
		return nil
	}
}

// WithFingerprinter sets how PINs are rendered in logs.
func WithFingerprinter(fp *pinfp.Fingerprinter) Option {
	return func(r *Resolver) error {
		r.fp = fp
		return nil
	}
}

// NewResolver constructs a Resolver over store and registry.
func NewResolver(log *slog.Logger, store Store, registry *Registry, opts ...Option) (*Resolver, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("claim: nil store")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	r := &Resolver{
		log:               log,
		store:             store,
		registry:          registry,
		locks:             newKeyedMutex(),
		now:               time.Now,
		retention:         DefaultRetention,
		evictFlushTimeout: defaultEvictFlushTimeout,
		evictGrace:        defaultEvictGrace,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the live registry owned by this Resolver.
func (r *Resolver) Registry() *Registry { return r.registry }

// Store returns the durable store used by this Resolver.
func (r *Resolver) Store() Store { return r.store }

// Resolve applies one claim.
//
// Errors: ErrValidation (nothing mutated), ErrNoSession (RequireExisting and no session),
// ErrStoreUnavailable (nothing mutated; safe to retry).
func (r *Resolver) Resolve(ctx context.Context, req Request) (Outcome, error) {
	const op = "claim.Resolve"
	start := time.Now()

	req = req.normalized()
	if err := req.validate(op); err != nil {
		r.metrics.resolution("invalid", time.Since(start).Seconds())
		return Outcome{}, err
	}

	log := r.log.With("pin_fp", r.fp.Fingerprint(req.PIN), "device_id", req.DeviceID, "conn", req.handle())

	unlock := r.locks.Lock(req.PIN)
	defer unlock()

	now := r.now().UTC()

	cur, err := r.store.Get(ctx, now, req.PIN)
	if errors.Is(err, ErrNotFound) {
		if req.RequireExisting {
			r.metrics.resolution("no_session", time.Since(start).Seconds())
			return Outcome{}, OpError{Op: op, Kind: ErrNoSession}
		}
		out, err := r.create(ctx, log, req, now)
		r.observe(out, err, start)
		return out, err
	}
	if err != nil {
		log.Error("claim.resolve.store_get.fail", "err", err)
		r.metrics.resolution("store_error", time.Since(start).Seconds())
		return Outcome{}, storeError(op, "get", err)
	}

	out, err := r.takeover(ctx, log, req, cur, now)
	r.observe(out, err, start)
	return out, err
}

func (r *Resolver) create(ctx context.Context, log *slog.Logger, req Request, now time.Time) (Outcome, error) {
	const op = "claim.Resolve"

	sess := Session{
		PIN:              req.PIN,
		DeviceID:         req.DeviceID,
		DeviceName:       req.DeviceName,
		ConnectionHandle: req.handle(),
		CreatedAt:        now,
		LastActive:       now,
		ExpiresAt:        now.Add(r.retention),
	}
	if err := r.store.Create(ctx, sess); err != nil {
		log.Error("claim.resolve.store_create.fail", "err", err)
		return Outcome{}, storeError(op, "create", err)
	}

	// The record expired while a connection was still attached: that connection
	// no longer owns anything and must not stay live next to the new claimant.
	evicted := false
	if prior, ok := r.registry.Lookup(req.PIN); ok && prior.Handle() != req.handle() {
		evicted = r.evict(ctx, log, prior, Eviction{
			Reason:         ReasonSupersededByOtherDevice,
			NewDeviceLabel: req.DeviceName,
		})
		r.registry.Unbind(req.PIN)
	}
	if req.Conn != nil {
		r.registry.Bind(req.PIN, req.Conn)
	}

	log.Info("claim.resolve.created")
	return Outcome{Kind: Created, Session: sess, Evicted: evicted}, nil
}

func (r *Resolver) takeover(ctx context.Context, log *slog.Logger, req Request, cur Session, now time.Time) (Outcome, error) {
	const op = "claim.Resolve"

	sameDevice := cur.DeviceID == req.DeviceID

	next := cur
	next.DeviceID = req.DeviceID
	next.DeviceName = req.DeviceName
	next.LastActive = now
	next.ExpiresAt = now.Add(r.retention)
	switch {
	case req.Conn != nil:
		next.ConnectionHandle = req.Conn.Handle()
	case !sameDevice:
		// Stateless takeover: the old handle no longer represents the owner.
		next.ConnectionHandle = ""
	}

	if err := r.store.Update(ctx, now, next); err != nil {
		log.Error("claim.resolve.store_update.fail", "err", err, "same_device", sameDevice)
		return Outcome{}, storeError(op, "update", err)
	}

	prior, bound := r.registry.Lookup(req.PIN)
	if bound && req.Conn != nil && prior.Handle() == req.Conn.Handle() {
		bound = false
	}

	evicted := false
	switch {
	case sameDevice && req.Conn != nil && bound:
		evicted = r.evict(ctx, log, prior, Eviction{Reason: ReasonSameDeviceNewSession})
	case !sameDevice && bound:
		evicted = r.evict(ctx, log, prior, Eviction{
			Reason:         ReasonSupersededByOtherDevice,
			NewDeviceLabel: req.DeviceName,
		})
	}

	switch {
	case req.Conn != nil:
		r.registry.Bind(req.PIN, req.Conn)
	case !sameDevice:
		r.registry.Unbind(req.PIN)
	}

	out := Outcome{Session: next, PreviousDeviceName: cur.DeviceName, Evicted: evicted}
	if sameDevice {
		out.Kind = ReaffirmedSameDevice
		log.Info("claim.resolve.reaffirmed", "evicted", evicted)
	} else {
		out.Kind = Superseded
		log.Info("claim.resolve.superseded", "previous_device_id", cur.DeviceID, "evicted", evicted)
	}
	return out, nil
}

// evict delivers the notice, waits the grace delay and force-closes prior.
// It reports whether the notice reached the connection.
func (r *Resolver) evict(ctx context.Context, log *slog.Logger, prior Conn, ev Eviction) bool {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.evictFlushTimeout)
	err := prior.Evict(flushCtx, ev)
	cancel()

	if err != nil {
		r.metrics.deliveryFailure()
		if errors.Is(err, ErrConnGone) {
			log.Info("claim.evict.conn_gone", "prior_conn", prior.Handle(), "reason", ev.Reason)
			return false
		}
		// Slow or wedged peer: it still has to go.
		log.Warn("claim.evict.delivery.fail", "prior_conn", prior.Handle(), "reason", ev.Reason, "err", err)
		prior.Terminate("evicted")
		return false
	}

	if r.evictGrace > 0 {
		t := time.NewTimer(r.evictGrace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	prior.Terminate("evicted")
	r.metrics.eviction(ev.Reason)
	log.Info("claim.evict.done", "prior_conn", prior.Handle(), "reason", ev.Reason)
	return true
}

// Release handles a dropped connection: it removes the registry entry for
// handle and clears the stored handle if it still points at this connection.
// The Session itself is kept. Unknown or stale handles are no-ops.
func (r *Resolver) Release(ctx context.Context, handle string) (bool, error) {
	const op = "claim.Release"

	pin, ok := r.registry.PINFor(handle)
	if !ok {
		r.metrics.release("unbound")
		return false, nil
	}

	unlock := r.locks.Lock(pin)
	defer unlock()

	// Re-check under the PIN lock: a concurrent Resolve may have rebound the PIN.
	if cur, ok := r.registry.PINFor(handle); !ok || cur != pin {
		r.metrics.release("stale")
		return false, nil
	}
	r.registry.UnbindByConnection(handle)

	log := r.log.With("pin_fp", r.fp.Fingerprint(pin), "conn", handle)

	cleared, err := r.store.ClearConnection(ctx, pin, handle)
	if err != nil {
		r.metrics.release("store_error")
		log.Error("claim.release.store.fail", "err", err)
		return false, storeError(op, "clear connection", err)
	}
	if !cleared {
		r.metrics.release("stale")
		log.Info("claim.release.stale")
		return false, nil
	}

	r.metrics.release("cleared")
	log.Info("claim.release.cleared")
	return true, nil
}

// Reconcile clears every stored connection handle. It runs once at boot when the registry is empty.
func (r *Resolver) Reconcile(ctx context.Context) (int64, error) {
	n, err := r.store.ClearAllConnections(ctx)
	if err != nil {
		return 0, storeError("claim.Reconcile", "clear all connections", err)
	}
	if n > 0 {
		r.log.Info("claim.reconcile.cleared", "count", n)
	}
	return n, nil
}

func (r *Resolver) observe(out Outcome, err error, start time.Time) {
	d := time.Since(start).Seconds()
	if err != nil {
		r.metrics.resolution("store_error", d)
		return
	}
	r.metrics.resolution(out.Kind.String(), d)
}
