// Package realtime contains pinlock's live-channel WebSocket gateway and connection lifecycle.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pinlock/cmd/internal/claim"
	"pinlock/cmd/security/pinfp"
	v1 "pinlock/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultReadIdle       = 2 * time.Minute
	wsDefaultReleaseTimeout = 5 * time.Second
	wsCloseGrace            = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	terminateEvicted = "evicted"
)

// Resolver is the subset of claim.Resolver the gateway depends on.
type Resolver interface {
	Resolve(ctx context.Context, req claim.Request) (claim.Outcome, error)
	Release(ctx context.Context, handle string) (bool, error)
}

// WSGateway is the WebSocket entrypoint for live PIN sessions.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// routes session.register to the Resolver, and releases the registration when
// the connection drops.
type WSGateway struct {
	log      *slog.Logger
	resolver Resolver
	hub      *Hub
	metrics  *Metrics
	fp       *pinfp.Fingerprinter

	requireClaim bool

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	releaseTimeout  time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption configures optional gateway dependencies.
type GatewayOption func(*WSGateway)

// WithHub shares a Hub (e.g. with metrics) instead of creating a private one.
func WithHub(h *Hub) GatewayOption {
	return func(g *WSGateway) {
		if h != nil {
			g.hub = h
		}
	}
}

// WithMetrics attaches gateway metrics.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WithFingerprinter sets how PINs are rendered in logs.
func WithFingerprinter(fp *pinfp.Fingerprinter) GatewayOption {
	return func(g *WSGateway) { g.fp = fp }
}

// WithRequireClaim makes registration fail with session.invalid_pin when the
// PIN was never claimed through the HTTP check. Overrides PINLOCK_WS_REQUIRE_CLAIM.
func WithRequireClaim(v bool) GatewayOption {
	return func(g *WSGateway) { g.requireClaim = v }
}

// NewWSGateway constructs a gateway with secure defaults read from PINLOCK_WS_* env vars.
func NewWSGateway(log *slog.Logger, resolver Resolver, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if resolver == nil {
		return nil, errors.New("realtime: nil resolver")
	}

	g := &WSGateway{log: log, resolver: resolver}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables websocket.Accept's origin check.
	g.devInsecure = envBoolWS("PINLOCK_WS_DEV_INSECURE", false)
	g.requireClaim = envBoolWS("PINLOCK_WS_REQUIRE_CLAIM", false)

	g.originRequired = envBoolWS("PINLOCK_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PINLOCK_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same-host ok, cross-origin needs
	// OriginPatterns). Patterns are derived from the allowlist so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PINLOCK_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PINLOCK_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.releaseTimeout = envDurationWS("PINLOCK_WS_RELEASE_TIMEOUT", wsDefaultReleaseTimeout)

	g.sendQueueSize = envIntWS("PINLOCK_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PINLOCK_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PINLOCK_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PINLOCK_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PINLOCK_WS_RATE_WINDOW", rateLimitWindow)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	if g.hub == nil {
		g.hub = NewHub(log)
	}
	return g, nil
}

// Hub returns the gateway's live client set.
func (g *WSGateway) Hub() *Hub { return g.hub }

// Shutdown closes every open connection with StatusGoingAway and returns how many were signalled.
func (g *WSGateway) Shutdown() int {
	return g.hub.CloseAll("server shutdown")
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs its lifecycle.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.metrics.reject("accept")
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	handle, err := NewConnectionHandle(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.handle.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	log := g.log.With("conn", handle)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lc := NewLifecycle()

	var (
		closeOnce   sync.Once
		closeReason string
		client      *Client
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			closeReason = reason
			lc.Disconnect()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	client = NewClient(handle, g.sendQueueSize, func(reason string) {
		code := websocket.StatusGoingAway
		if reason == terminateEvicted {
			code = websocket.StatusCode(v1.CloseCodeEvicted)
		}
		shutdown(code, reason)
	})

	g.hub.Add(client)
	defer g.hub.Remove(handle)

	g.metrics.accept()
	log.Info("ws.accept", "remote", r.RemoteAddr)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case ob := <-client.Send:
				err := writeEnvelope(ctx, conn, ob.env, g.writeTimeout)
				if ob.written != nil {
					ob.written <- err
				}
				if err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.in("invalid")
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSessionRegister:
			g.metrics.in(env.Type)
			g.onRegister(ctx, log, client, lc, env)

		case v1.TypeHeartbeat:
			g.metrics.in(env.Type)
			ack := newEnvelope(v1.TypeHeartbeatAck, json.RawMessage(`{}`), now)
			if !client.tryEnqueue(ack) {
				log.Info("ws.heartbeat.drop")
			}

		default:
			g.metrics.in("unsupported")
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.release(log, handle, closeReason)
}

// release hands the dropped connection to the Resolver. Its own context is used
// because the request context is already canceled here.
func (g *WSGateway) release(log *slog.Logger, handle, reason string) {
	g.metrics.close(closeMetricReason(reason))

	ctx, cancel := context.WithTimeout(context.Background(), g.releaseTimeout)
	defer cancel()

	cleared, err := g.resolver.Release(ctx, handle)
	if err != nil {
		log.Error("ws.release.fail", "err", err, "reason", reason)
		return
	}
	log.Info("ws.close", "reason", reason, "cleared", cleared)
}

func closeMetricReason(reason string) string {
	switch reason {
	case terminateEvicted, "peer closed", "context done", "conn closed", "rate limited",
		"heartbeat failed", "write failed", "read failed", "server shutdown":
		return reason
	default:
		return "other"
	}
}

// ---- handlers ----

func (g *WSGateway) onRegister(ctx context.Context, log *slog.Logger, client *Client, lc *Lifecycle, env v1.Envelope) {
	if len(env.Payload) > maxRegisterPayloadBytes {
		g.trySendError(client, "invalid_request", "Missing required fields")
		return
	}

	var p v1.SessionRegisterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_request", "Missing required fields")
		return
	}
	pin := strings.TrimSpace(p.PIN)

	if err := lc.CanRegister(pin); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			g.trySendError(client, "already_registered", "connection already registered")
		}
		return
	}

	out, err := g.resolver.Resolve(ctx, claim.Request{
		PIN:             p.PIN,
		DeviceID:        p.DeviceID,
		DeviceName:      p.DeviceName,
		Conn:            client,
		RequireExisting: g.requireClaim,
	})
	switch {
	case err == nil:
	case claim.IsValidation(err):
		g.trySendError(client, "invalid_request", "Missing required fields")
		return
	case claim.IsNoSession(err):
		payload, _ := json.Marshal(v1.SessionInvalidPINPayload{Message: "Invalid PIN"})
		_ = client.tryEnqueue(newEnvelope(v1.TypeSessionInvalidPIN, payload, time.Now().UTC()))
		return
	default:
		log.Error("ws.register.fail", "pin_fp", g.fp.Fingerprint(pin), "err", err)
		g.trySendError(client, "server_error", "Server error")
		return
	}

	if err := lc.Registered(pin); err != nil {
		// Disconnected while resolving; the deferred release cleans up.
		return
	}

	payload, _ := json.Marshal(v1.SessionRegisteredPayload{
		IsNew:              out.IsNew(),
		IsSameDevice:       out.IsSameDevice(),
		PreviousDeviceName: out.PreviousDeviceName,
	})
	if !client.tryEnqueue(newEnvelope(v1.TypeSessionRegistered, payload, time.Now().UTC())) {
		log.Info("ws.register.ack_drop")
	}
	log.Info("ws.register", "pin_fp", g.fp.Fingerprint(pin), "outcome", out.Kind.String())
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.tryEnqueue(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
