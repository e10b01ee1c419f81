package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "dhcpd"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "DHCPv4 server for a single directly attached or relayed subnet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config file; DHCPD_* environment variables override it")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newCheckConfigCommand(&configPath))
	cmd.AddCommand(newWatchCommand())
	return cmd
}
