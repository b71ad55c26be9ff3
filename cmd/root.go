// Package cmd implements the command-line interface for whitelistd. It
// provides the daemon, one-shot runs of each enforcement component for
// external schedulers, and operator commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configFile string

// NewRootCmd creates the whitelistd command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "whitelistd",
		Short: "DNS whitelist enforcement agent",
		Long: `whitelistd restricts a machine to a centrally managed list of domains.
It renders the whitelist into a local dnsmasq configuration, locks outbound
traffic to resolved addresses with iptables, and falls back to open access
whenever enforcement cannot be verified.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./config.yaml or /etc/whitelistd/config.yaml)")

	root.AddCommand(
		NewRunCmd(),
		NewUpdateCmd(),
		NewForceCmd(),
		NewEnableCmd(),
		NewDisableCmd(),
		NewWatchdogCmd(),
		NewHealthCmd(),
		NewCaptiveCmd(),
		NewStatusCmd(),
		NewTestCmd(),
		NewCheckCmd(),
		NewRestartCmd(),
		NewResetFailuresCmd(),
		NewUninstallCmd(),
		newVersionCmd(version),
	)

	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("whitelistd v%s\n", version)
		},
	}
}
