package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	v1 "pinlock/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

func newSmokeCmd(opts *options) *cobra.Command {
	var pin string

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run an end-to-end claim and takeover check against the server",
		Long: "smoke claims a fresh PIN over HTTP, registers it from two devices on the live channel and " +
			"asserts that the first connection is evicted with close code 4001.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pin == "" {
				pin = fmt.Sprintf("%08d", rand.IntN(100_000_000))
			}
			if err := runSmoke(cmd.Context(), opts, pin); err != nil {
				return fmt.Errorf("smoke: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "OK: pin=%s\n", pin)
			return err
		},
	}

	cmd.Flags().StringVar(&pin, "pin", "", "PIN to use (random when empty)")
	return cmd
}

func runSmoke(ctx context.Context, opts *options, pin string) error {
	devA := v1.SessionRegisterPayload{PIN: pin, DeviceID: "pinctl-smoke-a", DeviceName: "smoke A"}
	devB := v1.SessionRegisterPayload{PIN: pin, DeviceID: "pinctl-smoke-b", DeviceName: "smoke B"}

	claimed, err := verifyPIN(ctx, opts, verifyRequest{PIN: pin, DeviceID: devA.DeviceID, DeviceName: devA.DeviceName})
	if err != nil {
		return err
	}
	if claimed.ExistingDeviceName != "" {
		return fmt.Errorf("pin %s already held by %q; pick another --pin", pin, claimed.ExistingDeviceName)
	}

	a, err := dialLive(ctx, "A", opts.wsURL(), opts.origin, opts.timeout)
	if err != nil {
		return err
	}
	defer a.close()

	regA, err := a.register(ctx, devA, opts.timeout)
	if err != nil {
		return err
	}
	if !regA.IsSameDevice || regA.IsNew {
		return fmt.Errorf("A register: want existing same-device session, got new=%t same_device=%t", regA.IsNew, regA.IsSameDevice)
	}

	if err := a.send(ctx, v1.TypeHeartbeat, v1.HeartbeatPayload{}, opts.timeout); err != nil {
		return err
	}
	if _, err := a.readUntil(ctx, opts.timeout, nil, v1.TypeHeartbeatAck); err != nil {
		return err
	}

	b, err := dialLive(ctx, "B", opts.wsURL(), opts.origin, opts.timeout)
	if err != nil {
		return err
	}
	defer b.close()

	regB, err := b.register(ctx, devB, opts.timeout)
	if err != nil {
		return err
	}
	if regB.IsSameDevice || regB.PreviousDeviceName != devA.DeviceName {
		return fmt.Errorf("B register: want takeover from %q, got same_device=%t previous=%q",
			devA.DeviceName, regB.IsSameDevice, regB.PreviousDeviceName)
	}

	skip := map[string]struct{}{v1.TypeHeartbeatAck: {}}
	ev, err := a.readUntil(ctx, opts.timeout, skip, v1.TypeSessionEvicted)
	if err != nil {
		return err
	}
	var notice v1.SessionEvictedPayload
	if err := json.Unmarshal(ev.Payload, &notice); err != nil {
		return fmt.Errorf("decode session.evicted: %w", err)
	}
	if notice.Reason != v1.ReasonSupersededByOtherDevice {
		return fmt.Errorf("eviction reason: got %q want %q", notice.Reason, v1.ReasonSupersededByOtherDevice)
	}

	status, err := a.waitClosed(ctx, opts.timeout)
	if err != nil {
		return err
	}
	if status != websocket.StatusCode(v1.CloseCodeEvicted) {
		return fmt.Errorf("A close status: got %d want %d", status, v1.CloseCodeEvicted)
	}

	if err := b.send(ctx, v1.TypeHeartbeat, v1.HeartbeatPayload{}, opts.timeout); err != nil {
		return err
	}
	_, err = b.readUntil(ctx, opts.timeout, nil, v1.TypeHeartbeatAck)
	return err
}
