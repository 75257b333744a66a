package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

type verifyRequest struct {
	PIN        string `json:"pin"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type verifyResult struct {
	Success            bool   `json:"success"`
	IsSameDevice       bool   `json:"isSameDevice"`
	Message            string `json:"message"`
	ExistingDeviceName string `json:"existingDeviceName,omitempty"`
}

func newVerifyCmd(opts *options) *cobra.Command {
	var (
		req    verifyRequest
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Claim a PIN over HTTP (POST /verify-pin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := verifyPIN(cmd.Context(), opts, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			line := fmt.Sprintf("%s (same_device=%t)", res.Message, res.IsSameDevice)
			if res.ExistingDeviceName != "" {
				line += fmt.Sprintf(" previous_device=%q", res.ExistingDeviceName)
			}
			_, err = fmt.Fprintln(out, line)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.PIN, "pin", "", "PIN to claim")
	f.StringVar(&req.DeviceID, "device-id", "", "stable device identifier")
	f.StringVar(&req.DeviceName, "device-name", "", "human-readable device label")
	f.BoolVar(&asJSON, "json", false, "print the raw response as JSON")
	_ = cmd.MarkFlagRequired("pin")
	_ = cmd.MarkFlagRequired("device-id")
	_ = cmd.MarkFlagRequired("device-name")

	return cmd
}

func verifyPIN(ctx context.Context, opts *options, req verifyRequest) (verifyResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return verifyResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.httpURL("/verify-pin"), bytes.NewReader(body))
	if err != nil {
		return verifyResult{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if o := opts.origin; o != "" {
		hreq.Header.Set("Origin", o)
	}

	resp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		return verifyResult{}, fmt.Errorf("verify-pin: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return verifyResult{}, fmt.Errorf("verify-pin: read body: %w", err)
	}

	var res verifyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return verifyResult{}, fmt.Errorf("verify-pin: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if resp.StatusCode != http.StatusOK || !res.Success {
		if res.Message == "" {
			return verifyResult{}, fmt.Errorf("verify-pin: status %d", resp.StatusCode)
		}
		return verifyResult{}, fmt.Errorf("verify-pin: status %d: %s", resp.StatusCode, res.Message)
	}
	if res.Message == "" {
		return verifyResult{}, errors.New("verify-pin: empty response message")
	}
	return res, nil
}
