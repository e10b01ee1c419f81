package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"dhcpd/pkg/bus"
	"dhcpd/services/dhcpd/internal/dhcp"
)

func newWatchCommand() *cobra.Command {
	var (
		natsURL string
		durable string
		raw     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lease events published by a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if natsURL == "" {
				return errors.New("--nats-url or DHCPD_NATS_URL is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, natsURL, durable, raw, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", os.Getenv("DHCPD_NATS_URL"), "NATS server carrying lease events")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty watches new events only")
	cmd.Flags().BoolVar(&raw, "json", false, "Print events as JSON lines")
	return cmd
}

func watch(ctx context.Context, natsURL, durable string, raw bool, out, errOut io.Writer) error {
	b, err := bus.New(natsURL, nats.Name(serviceName+"-watch"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer b.Close()

	sub, err := b.Subscribe(ctx, dhcp.SubjectLeases, durable, func(_ context.Context, subject string, data []byte) error {
		if raw {
			fmt.Fprintln(out, strings.TrimSpace(string(data)))
			return nil
		}
		var evt dhcp.LeaseEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// Malformed events are acked; redelivery would not fix them.
			fmt.Fprintf(errOut, "skip %s: %v\n", subject, err)
			return nil
		}
		fmt.Fprintln(out, formatEvent(evt))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", dhcp.SubjectLeases, err)
	}
	defer sub.Close()

	<-ctx.Done()
	return nil
}

func formatEvent(evt dhcp.LeaseEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-9s %-15s %s", evt.At.UTC().Format(time.RFC3339), evt.Type, evt.Addr, evt.HWAddr)
	if evt.ClientID != "" {
		fmt.Fprintf(&sb, " client-id=%s", evt.ClientID)
	}
	if evt.Hostname != "" {
		fmt.Fprintf(&sb, " host=%s", evt.Hostname)
	}
	if evt.ExpiresAt != nil {
		fmt.Fprintf(&sb, " expires=%s", evt.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
