package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"pinlock/cmd/internal/claim"
	v1 "pinlock/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsFixture struct {
	ts       *httptest.Server
	gw       *WSGateway
	resolver *claim.Resolver
	store    *claim.MemoryStore
}

func newWSFixture(t *testing.T, opts ...GatewayOption) *wsFixture {
	t.Helper()

	t.Setenv("PINLOCK_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("PINLOCK_WS_DEV_INSECURE", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := claim.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	r, err := claim.NewResolver(log, st, claim.NewRegistry(), claim.WithEvictionGrace(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	gw, err := NewWSGateway(log, r, opts...)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	ts := startWSTestServer(t, gw)
	t.Cleanup(ts.Close)

	return &wsFixture{ts: ts, gw: gw, resolver: r, store: st}
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		env := readEnvelopeWS(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %q within %d reads", typ, maxReads)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func register(t *testing.T, conn *websocket.Conn, pin, deviceID, deviceName string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeSessionRegister, v1.SessionRegisterPayload{PIN: pin, DeviceID: deviceID, DeviceName: deviceName})
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWSGateway_RegisterCreatesSession(t *testing.T) {
	f := newWSFixture(t)
	c1 := mustDialWS(t, f.ts.URL)

	register(t, c1, "1234", "devA", "Phone A")
	env := readUntilType(t, c1, v1.TypeSessionRegistered, 3)
	p := decodePayload[v1.SessionRegisteredPayload](t, env)
	if !p.IsNew || p.IsSameDevice || p.PreviousDeviceName != "" {
		t.Fatalf("unexpected payload: %+v", p)
	}

	s, err := f.store.Get(context.Background(), time.Now(), "1234")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.ConnectionHandle == "" {
		t.Fatalf("expected stored connection handle")
	}
	if f.resolver.Registry().Len() != 1 {
		t.Fatalf("expected one bound pin")
	}
}

func TestWSGateway_OtherDeviceEvictsPrevious(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1234", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	c2 := mustDialWS(t, f.ts.URL)
	register(t, c2, "1234", "devB", "Laptop B")
	env := readUntilType(t, c2, v1.TypeSessionRegistered, 3)
	p := decodePayload[v1.SessionRegisteredPayload](t, env)
	if p.IsNew || p.IsSameDevice || p.PreviousDeviceName != "Phone A" {
		t.Fatalf("unexpected registered payload: %+v", p)
	}

	ev := readUntilType(t, c1, v1.TypeSessionEvicted, 3)
	ep := decodePayload[v1.SessionEvictedPayload](t, ev)
	if ep.Reason != v1.ReasonSupersededByOtherDevice || ep.NewDeviceLabel != "Laptop B" {
		t.Fatalf("unexpected eviction payload: %+v", ep)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c1.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusCode(v1.CloseCodeEvicted) {
		t.Fatalf("close status=%v err=%v want %d", got, err, v1.CloseCodeEvicted)
	}

	// The evicted socket's own disconnect must not clear the new owner's handle.
	waitFor(t, "evicted socket to leave the hub", func() bool { return f.gw.Hub().Len() == 1 })
	s, err := f.store.Get(context.Background(), time.Now(), "1234")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.ConnectionHandle == "" || s.DeviceID != "devB" {
		t.Fatalf("unexpected session after eviction: %+v", s)
	}
}

func TestWSGateway_EvictionArrivesBeforeNewOwnerRegistered(t *testing.T) {
	f := newWSFixture(t)

	var (
		mu    sync.Mutex
		seq   int
		order = map[string]int{}
	)
	mark := func(what string) {
		mu.Lock()
		seq++
		order[what] = seq
		mu.Unlock()
	}

	// awaitType reads conn until typ arrives and records its arrival order.
	awaitType := func(conn *websocket.Conn, typ, what string) <-chan error {
		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				_, b, err := conn.Read(ctx)
				if err != nil {
					done <- err
					return
				}
				var env v1.Envelope
				if err := json.Unmarshal(b, &env); err != nil {
					done <- err
					return
				}
				if env.Type == typ {
					mark(what)
					done <- nil
					return
				}
			}
		}()
		return done
	}

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1234", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	c2 := mustDialWS(t, f.ts.URL)
	evicted := awaitType(c1, v1.TypeSessionEvicted, "evicted")
	registered := awaitType(c2, v1.TypeSessionRegistered, "registered")
	register(t, c2, "1234", "devB", "Laptop B")

	for _, ch := range []<-chan error{evicted, registered} {
		if err := <-ch; err != nil {
			t.Fatalf("read: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order["evicted"] == 0 || order["evicted"] > order["registered"] {
		t.Fatalf("eviction must arrive before the new owner's registered outcome: %v", order)
	}
}

func TestWSGateway_SameDeviceNewTabEvictsOldTab(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1234", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	c2 := mustDialWS(t, f.ts.URL)
	register(t, c2, "1234", "devA", "Phone A")
	p := decodePayload[v1.SessionRegisteredPayload](t, readUntilType(t, c2, v1.TypeSessionRegistered, 3))
	if !p.IsSameDevice || p.IsNew {
		t.Fatalf("unexpected payload: %+v", p)
	}

	ep := decodePayload[v1.SessionEvictedPayload](t, readUntilType(t, c1, v1.TypeSessionEvicted, 3))
	if ep.Reason != v1.ReasonSameDeviceNewSession || ep.NewDeviceLabel != "" {
		t.Fatalf("unexpected eviction payload: %+v", ep)
	}
}

func TestWSGateway_DisconnectClearsHandle(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1234", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	before, err := f.store.Get(context.Background(), time.Now(), "1234")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	_ = c1.Close(websocket.StatusNormalClosure, "leaving")

	waitFor(t, "handle to clear", func() bool {
		s, err := f.store.Get(context.Background(), time.Now(), "1234")
		return err == nil && s.ConnectionHandle == ""
	})

	after, _ := f.store.Get(context.Background(), time.Now(), "1234")
	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("disconnect moved ExpiresAt")
	}
	if f.resolver.Registry().Len() != 0 {
		t.Fatalf("registry not empty after disconnect")
	}
}

func TestWSGateway_RequireClaimInvalidPIN(t *testing.T) {
	f := newWSFixture(t, WithRequireClaim(true))

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "9999", "devA", "Phone A")
	env := readUntilType(t, c1, v1.TypeSessionInvalidPIN, 3)
	if p := decodePayload[v1.SessionInvalidPINPayload](t, env); p.Message == "" {
		t.Fatalf("expected message")
	}

	if _, err := f.store.Get(context.Background(), time.Now(), "9999"); !errors.Is(err, claim.ErrNotFound) {
		t.Fatalf("invalid pin must not create a session, got %v", err)
	}
}

func TestWSGateway_RejectsSecondPIN(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1111", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	register(t, c1, "2222", "devA", "Phone A")
	env := readUntilType(t, c1, v1.TypeError, 3)
	if p := decodePayload[v1.ErrorPayload](t, env); p.Code != "already_registered" {
		t.Fatalf("code=%q want already_registered", p.Code)
	}

	register(t, c1, "1111", "devA", "Phone A")
	p := decodePayload[v1.SessionRegisteredPayload](t, readUntilType(t, c1, v1.TypeSessionRegistered, 3))
	if !p.IsSameDevice {
		t.Fatalf("re-register of same pin should succeed as same device: %+v", p)
	}
}

func TestWSGateway_InvalidRegistration(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "", "devA", "Phone A")
	env := readUntilType(t, c1, v1.TypeError, 3)
	if p := decodePayload[v1.ErrorPayload](t, env); p.Code != "invalid_request" {
		t.Fatalf("code=%q want invalid_request", p.Code)
	}
}

func TestWSGateway_HeartbeatAndBadInput(t *testing.T) {
	f := newWSFixture(t)
	c1 := mustDialWS(t, f.ts.URL)

	writeEnvelopeWS(t, c1, v1.TypeHeartbeat, v1.HeartbeatPayload{})
	readUntilType(t, c1, v1.TypeHeartbeatAck, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c1.Write(ctx, websocket.MessageText, []byte(`{"v":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p := decodePayload[v1.ErrorPayload](t, readUntilType(t, c1, v1.TypeError, 3)); p.Code != "bad_json" {
		t.Fatalf("code=%q want bad_json", p.Code)
	}

	writeEnvelopeWS(t, c1, "chat.send", struct{}{})
	if p := decodePayload[v1.ErrorPayload](t, readUntilType(t, c1, v1.TypeError, 3)); p.Code != "bad_envelope" {
		t.Fatalf("code=%q want bad_envelope", p.Code)
	}

	// Server-to-client types are valid envelopes but not accepted inbound.
	writeEnvelopeWS(t, c1, v1.TypeSessionEvicted, v1.SessionEvictedPayload{Reason: "x"})
	if p := decodePayload[v1.ErrorPayload](t, readUntilType(t, c1, v1.TypeError, 3)); p.Code != "unsupported" {
		t.Fatalf("code=%q want unsupported", p.Code)
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Setenv("PINLOCK_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("PINLOCK_WS_ALLOWED_ORIGINS", "https://app.example.com")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := claim.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	r, err := claim.NewResolver(log, st, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	gw, err := NewWSGateway(log, r)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	for _, origin := range []string{"", "https://evil.example.net"} {
		_, resp, err := dialWS(t, ts.URL, origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403", origin)
		}
	}

	conn, resp, err := dialWS(t, ts.URL, "https://app.example.com")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_ShutdownClosesAll(t *testing.T) {
	f := newWSFixture(t)

	c1 := mustDialWS(t, f.ts.URL)
	register(t, c1, "1234", "devA", "Phone A")
	readUntilType(t, c1, v1.TypeSessionRegistered, 3)

	if n := f.gw.Shutdown(); n != 1 {
		t.Fatalf("Shutdown signalled %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c1.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status=%v want GoingAway", got)
	}
	waitFor(t, "hub to drain", func() bool { return f.gw.Hub().Len() == 0 })
}

func TestNewWSGateway_RequiresResolver(t *testing.T) {
	if _, err := NewWSGateway(nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://b.example.com", "*", "http://LOCALHOST"})
	want := []string{"b.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}
