package main

import (
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/spf13/cobra"

	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/params"
)

func newCheckConfigCommand(configPath *string) *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resulting address pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sp, err := params.New(cfg.DHCP.ParamsOptions())
			if err != nil {
				return err
			}
			iface := cfg.DHCP.Interface
			if resolve {
				if iface, err = cfg.DHCP.ResolveInterface(); err != nil {
					return err
				}
			}
			printSummary(cmd.OutOrStdout(), cfg, sp, iface)
			return nil
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve-interface", false, "Also resolve DHCPD_INTERFACE against this host's interfaces")
	return cmd
}

func printSummary(w io.Writer, cfg config.Config, sp *params.ServingParams, iface string) {
	first, last := sp.Pool()
	mtu := "unset"
	if sp.LinkMTU() != params.MTUUnset {
		mtu = fmt.Sprint(sp.LinkMTU())
	}
	events := "disabled"
	if cfg.Events.NATSURL != "" {
		events = fmt.Sprintf("%s (stream %s)", cfg.Events.NATSURL, cfg.Events.Stream)
	}
	admin := "disabled"
	if cfg.HTTP.Enabled {
		admin = fmt.Sprintf(":%d", cfg.HTTP.Port)
	}

	fmt.Fprintf(w, "interface:  %s\n", iface)
	fmt.Fprintf(w, "server:     %s\n", sp.ServerAddr())
	fmt.Fprintf(w, "prefix:     %s\n", sp.Prefix())
	fmt.Fprintf(w, "pool:       %s-%s (%d addresses, %d reserved)\n", first, last, sp.PoolSize(), sp.ReservedCount())
	fmt.Fprintf(w, "routers:    %s\n", joinAddrs(sp.DefaultRouters()))
	fmt.Fprintf(w, "dns:        %s\n", joinAddrs(sp.DNSServers()))
	fmt.Fprintf(w, "excluded:   %s\n", joinAddrs(sp.ExcludedAddrs()))
	fmt.Fprintf(w, "lease time: %s\n", sp.LeaseTime())
	fmt.Fprintf(w, "mtu:        %s\n", mtu)
	fmt.Fprintf(w, "events:     %s\n", events)
	fmt.Fprintf(w, "admin http: %s\n", admin)
}

func joinAddrs(addrs []netip.Addr) string {
	if len(addrs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
