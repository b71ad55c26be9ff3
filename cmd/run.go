package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whitelistd/internal/audit"
	"whitelistd/internal/metrics"
	"whitelistd/internal/security"
)

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the whitelistd daemon",
		Long: `Run the updater, watchdog and captive portal detector in one process
until interrupted. Each component can also be run once from an external
scheduler with the update, watchdog and captive commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer audit.Close()

	security.NewHardening().Apply()
	security.LogBinaryIntegrity()

	logrus.Info("Starting whitelistd")
	audit.Log(audit.EventServiceStart, "info", "whitelistd started", nil)

	a.prepareHost()

	g, ctx := errgroup.WithContext(ctx)
	trigger := make(chan struct{}, 1)

	g.Go(func() error {
		err := a.wiring.Watch(ctx, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			logrus.WithError(err).Warn("Resolver configuration watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		return a.updater.Loop(ctx, a.cfg.Update.Interval, a.cfg.Update.Jitter)
	})
	g.Go(func() error {
		return a.watchdog.Loop(ctx, a.cfg.Watchdog.Interval, trigger)
	})
	if a.detector != nil {
		g.Go(func() error {
			return a.detector.Run(ctx)
		})
	}
	if a.cfg.Metrics.Listener != "" {
		g.Go(func() error {
			return metrics.NewServer(a.cfg.Metrics.Listener, metrics.NewRegistry()).Run(ctx)
		})
	}

	err = g.Wait()

	// Enforcement state is left in place; external timers keep running the
	// one-shot commands while the daemon is down.
	logrus.Info("whitelistd stopped")
	audit.Log(audit.EventServiceStop, "info", "whitelistd stopped", nil)
	return err
}

// prepareHost records the host's upstream servers before the local resolver
// takes over resolv.conf, then points the host at the local resolver.
func (a *app) prepareHost() {
	if servers, err := a.store.LoadUpstreams(); err != nil || len(servers) == 0 {
		detected, err := a.wiring.DetectUpstreams()
		if err != nil {
			logrus.WithError(err).Warn("Could not detect upstream DNS servers, using configured ones")
			detected = a.cfg.DNS.Upstreams
		}
		if err := a.store.SaveUpstreams(detected); err != nil {
			logrus.WithError(err).Error("Failed to save upstream DNS servers")
		}
	}

	if ok, _ := a.wiring.Check(); !ok {
		if err := a.wiring.Apply(); err != nil {
			logrus.WithError(err).Error("Failed to point host at local resolver")
		}
	}
}
