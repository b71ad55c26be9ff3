package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"whitelistd/internal/audit"
	"whitelistd/internal/lock"
	"whitelistd/internal/store"
)

// NewRestartCmd creates the restart command
func NewRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the local resolver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				release, err := lock.AcquireTimeout(ctx, a.locker, a.cfg.Lock.Timeout)
				if err != nil {
					return err
				}
				defer release()

				if err := a.resolver.Restart(ctx); err != nil {
					return err
				}
				fmt.Printf("✅ %s restarted\n", a.cfg.DNS.ResolverUnit)
				return nil
			})
		},
	}
}

// NewResetFailuresCmd creates the reset-failures command, the only way out
// of a latched fail-open.
func NewResetFailuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failures",
		Short: "Reset the watchdog failure counter",
		Long: `Clear the watchdog failure counter after the resolver has been fixed.
Enforcement resumes on the next update cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				previous, err := resetFailures(ctx, a.store, a.locker, a.cfg.Lock.Timeout)
				if err != nil {
					return err
				}
				fmt.Printf("✅ Failure counter reset (was %d)\n", previous)
				return nil
			})
		},
	}
}

// resetFailures zeroes the counter under the lock so it cannot interleave
// with a watchdog run. It returns the previous value.
func resetFailures(ctx context.Context, st store.Store, locker lock.Coordinator, wait time.Duration) (int, error) {
	release, err := lock.AcquireTimeout(ctx, locker, wait)
	if err != nil {
		return 0, err
	}
	defer release()

	previous, err := st.LoadFailCount()
	if err != nil {
		logrus.WithError(err).Warn("Failure counter unreadable, overwriting")
	}
	if err := st.SaveFailCount(0); err != nil {
		return previous, fmt.Errorf("failed to reset failure counter: %w", err)
	}
	audit.Log(audit.EventFailureReset, "warning", "Watchdog failure counter reset by operator", map[string]interface{}{
		"previous": previous,
	})
	return previous, nil
}
