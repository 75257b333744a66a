package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pinlock/cmd/internal/ids"
	v1 "pinlock/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

// liveClient is a websocket peer of the gateway with a buffered inbox.
type liveClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

// serverError is an error envelope surfaced as a Go error.
type serverError struct {
	Code    string
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: code=%q msg=%q", e.Code, e.Message)
}

// closedError reports that the server closed the connection.
type closedError struct {
	Status websocket.StatusCode
	Err    error
}

func (e *closedError) Error() string {
	return fmt.Sprintf("connection closed (status=%d): %v", e.Status, e.Err)
}

func (e *closedError) Unwrap() error { return e.Err }

func dialLive(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) (*liveClient, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("connect %s: subprotocol mismatch: got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &liveClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c, nil
}

func (c *liveClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(&closedError{Status: websocket.CloseStatus(err), Err: err})
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *liveClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *liveClient) send(parent context.Context, typ string, payload any, stepTimeout time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write %s (%s): %w", typ, c.name, err)
	}
	return nil
}

// readUntil returns the first envelope whose type is in want. Error envelopes
// and unexpected types fail unless listed in skip.
func (c *liveClient) readUntil(parent context.Context, stepTimeout time.Duration, skip map[string]struct{}, want ...string) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, fmt.Errorf("timeout waiting for %v (%s): %w", want, c.name, ctx.Err())
		case env, ok := <-c.inbox:
			if !ok {
				return v1.Envelope{}, c.closedErr()
			}
			for _, w := range want {
				if env.Type == w {
					return env, nil
				}
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				return v1.Envelope{}, &serverError{Code: ep.Code, Message: ep.Message}
			}
			if _, ok := skip[env.Type]; ok {
				continue
			}
			return v1.Envelope{}, fmt.Errorf("unexpected envelope type (%s): got=%q want=%v", c.name, env.Type, want)
		}
	}
}

// waitClosed blocks until the server closes the connection and returns the close status.
func (c *liveClient) waitClosed(parent context.Context, stepTimeout time.Duration) (websocket.StatusCode, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return -1, fmt.Errorf("timeout waiting for close (%s): %w", c.name, ctx.Err())
		case _, ok := <-c.inbox:
			if ok {
				continue
			}
			var ce *closedError
			if errors.As(c.closedErr(), &ce) {
				return ce.Status, nil
			}
			return -1, c.closedErr()
		}
	}
}

func (c *liveClient) closedErr() error {
	select {
	case err := <-c.errCh:
		c.fail(err)
		return err
	default:
		return fmt.Errorf("connection closed (%s)", c.name)
	}
}

func (c *liveClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// register sends session.register and decodes the outcome. A session.invalid_pin
// reply is returned as an error.
func (c *liveClient) register(ctx context.Context, p v1.SessionRegisterPayload, stepTimeout time.Duration) (v1.SessionRegisteredPayload, error) {
	if err := c.send(ctx, v1.TypeSessionRegister, p, stepTimeout); err != nil {
		return v1.SessionRegisteredPayload{}, err
	}

	skip := map[string]struct{}{v1.TypeHeartbeatAck: {}}
	env, err := c.readUntil(ctx, stepTimeout, skip, v1.TypeSessionRegistered, v1.TypeSessionInvalidPIN)
	if err != nil {
		return v1.SessionRegisteredPayload{}, err
	}
	if env.Type == v1.TypeSessionInvalidPIN {
		var ip v1.SessionInvalidPINPayload
		_ = json.Unmarshal(env.Payload, &ip)
		return v1.SessionRegisteredPayload{}, fmt.Errorf("register (%s): %s", c.name, ip.Message)
	}

	var out v1.SessionRegisteredPayload
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return v1.SessionRegisteredPayload{}, fmt.Errorf("decode session.registered (%s): %w", c.name, err)
	}
	return out, nil
}
