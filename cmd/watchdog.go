package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whitelistd/internal/store"
)

// NewWatchdogCmd creates the watchdog command
func NewWatchdogCmd() *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Check and repair the resolver stack",
		Long: `Run one watchdog pass: check the resolver process, DNS resolution, the
upstream server list and resolv.conf, and repair what failed. With --loop the
checks repeat at the configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if loop {
					return a.watchdog.Loop(ctx, a.cfg.Watchdog.Interval, nil)
				}
				return printHealth(a.watchdog.Run(ctx))
			})
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep running at the configured interval")
	return cmd
}

// NewHealthCmd creates the health command
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the last watchdog result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.NewFileStore(cfg.Agent.StateDir, cfg.DNS.ResolverConfigPath)
			if err != nil {
				return err
			}
			h, err := st.LoadHealth()
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("No health status recorded yet")
				return nil
			}
			if err != nil {
				return err
			}
			return printHealth(h)
		},
	}
}

func printHealth(h *store.HealthStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(h)
}
