package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"whitelistd/internal/audit"
	"whitelistd/internal/updater"
)

// NewUpdateCmd creates the update command, the entry point for timers.
func NewUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Run one whitelist update cycle",
		Long:  `Fetch the whitelist and apply it. Exits immediately if another cycle is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.prepareHost()
				printResult(a.updater.Run(ctx))
				return nil
			})
		},
	}
}

// NewForceCmd creates the force command
func NewForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force",
		Short: "Re-apply the whitelist even if unchanged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.updater.Force(ctx)
				printResult(res)
				if res.Outcome == updater.OutcomeSkipped {
					return fmt.Errorf("update did not run: %s", res.Reason)
				}
				return nil
			})
		},
	}
}

func NewEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Resume whitelist enforcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.updater.Enable(ctx)
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
}

func NewDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Suspend enforcement until enable is run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.updater.Disable(ctx)
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}
}

// withApp runs fn with a privileged app and closes the audit log afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer audit.Close()
	return fn(cmd.Context(), a)
}

func printResult(res updater.Result) {
	fmt.Printf("Outcome: %s\n", res.Outcome)
	if res.Reason != "" {
		fmt.Printf("Reason:  %s\n", res.Reason)
	}
	if res.Hash != "" {
		fmt.Printf("Config:  %s (changed: %t)\n", shortHash(res.Hash), res.Changed)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
