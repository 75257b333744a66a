package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	v1 "pinlock/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func newRegisterCmd(opts *options) *cobra.Command {
	var (
		req       v1.SessionRegisterPayload
		hold      bool
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a PIN on the live channel and optionally hold it until evicted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := dialLive(ctx, "pinctl", opts.wsURL(), opts.origin, opts.timeout)
			if err != nil {
				return err
			}
			defer c.close()

			res, err := c.register(ctx, req, opts.timeout)
			if err != nil {
				return err
			}
			printRegistered(out, res)

			if !hold {
				return nil
			}
			return holdUntilEvicted(cmd, c, opts, heartbeat)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.PIN, "pin", "", "PIN to claim")
	f.StringVar(&req.DeviceID, "device-id", "", "stable device identifier")
	f.StringVar(&req.DeviceName, "device-name", "", "human-readable device label")
	f.BoolVar(&hold, "hold", false, "keep the connection open until evicted or interrupted")
	f.DurationVar(&heartbeat, "heartbeat", 20*time.Second, "application heartbeat interval while holding")
	_ = cmd.MarkFlagRequired("pin")
	_ = cmd.MarkFlagRequired("device-id")
	_ = cmd.MarkFlagRequired("device-name")

	return cmd
}

func printRegistered(out io.Writer, res v1.SessionRegisteredPayload) {
	line := fmt.Sprintf("registered: new=%t same_device=%t", res.IsNew, res.IsSameDevice)
	if res.PreviousDeviceName != "" {
		line += fmt.Sprintf(" previous_device=%q", res.PreviousDeviceName)
	}
	_, _ = fmt.Fprintln(out, line)
}

// holdUntilEvicted keeps the registration alive with heartbeats and reports the
// eviction notice when the server supersedes this connection.
func holdUntilEvicted(cmd *cobra.Command, c *liveClient, opts *options, every time.Duration) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if every <= 0 {
		every = 20 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(out, "released: interrupted")
			return nil

		case <-t.C:
			if err := c.send(ctx, v1.TypeHeartbeat, v1.HeartbeatPayload{}, opts.timeout); err != nil {
				return err
			}

		case env, ok := <-c.inbox:
			if !ok {
				err := c.closedErr()
				var ce *closedError
				if errors.As(err, &ce) {
					return fmt.Errorf("connection closed by server (status=%d)", ce.Status)
				}
				return err
			}
			switch env.Type {
			case v1.TypeHeartbeatAck:
				continue
			case v1.TypeSessionEvicted:
				var p v1.SessionEvictedPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					return fmt.Errorf("decode session.evicted: %w", err)
				}
				status, _ := c.waitClosed(ctx, opts.timeout)
				line := fmt.Sprintf("evicted: reason=%s", p.Reason)
				if p.NewDeviceLabel != "" {
					line += fmt.Sprintf(" new_device=%q", p.NewDeviceLabel)
				}
				if status == websocket.StatusCode(v1.CloseCodeEvicted) {
					line += fmt.Sprintf(" close=%d", status)
				}
				_, err := fmt.Fprintln(out, line)
				return err
			default:
				_, _ = fmt.Fprintf(out, "received: %s\n", env.Type)
			}
		}
	}
}
