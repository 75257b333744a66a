// Package cli implements pinctl, the operator CLI for a running pinlock server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServer  = "http://127.0.0.1:8080"
	defaultOrigin  = "http://localhost"
	defaultTimeout = 7 * time.Second
)

// options are the persistent flags shared by every subcommand.
type options struct {
	server  string
	origin  string
	timeout time.Duration
}

// Execute runs pinctl with ctx (canceled on SIGINT/SIGTERM by the caller).
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "pinctl",
		Short:         "pinctl: inspect and exercise a pinlock server",
		Long:          "pinctl claims PINs over HTTP, holds live registrations over the websocket channel, and runs an end-to-end takeover smoke test against a pinlock server.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.validate()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("PINCTL_SERVER", defaultServer), "pinlock base URL (http or https)")
	pf.StringVar(&opts.origin, "origin", envOr("PINCTL_ORIGIN", defaultOrigin), "Origin header sent on websocket handshakes")
	pf.DurationVar(&opts.timeout, "timeout", defaultTimeout, "per-step timeout")

	rootCmd.AddCommand(
		newVerifyCmd(opts),
		newRegisterCmd(opts),
		newSmokeCmd(opts),
	)

	return rootCmd
}

func (o *options) validate() error {
	u, err := url.Parse(strings.TrimSpace(o.server))
	if err != nil {
		return fmt.Errorf("invalid --server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid --server: unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("invalid --server: missing host")
	}
	if err := validateOrigin(o.origin); err != nil {
		return fmt.Errorf("invalid --origin: %w", err)
	}
	if o.timeout <= 0 {
		return errors.New("invalid --timeout: must be positive")
	}
	return nil
}

func (o *options) httpURL(path string) string {
	return strings.TrimRight(strings.TrimSpace(o.server), "/") + path
}

// wsURL maps --server onto the gateway's websocket endpoint.
func (o *options) wsURL() string {
	base := strings.TrimRight(strings.TrimSpace(o.server), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
