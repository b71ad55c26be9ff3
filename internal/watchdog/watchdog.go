// Package watchdog periodically checks the local resolver stack, repairs
// what it can and falls back to permissive mode after repeated failures.
package watchdog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/audit"
	"whitelistd/internal/firewall"
	"whitelistd/internal/lock"
	"whitelistd/internal/metrics"
	"whitelistd/internal/store"
)

// Check names as they appear in the health file. CheckDNSResolving is
// informational: it depends on upstream reachability and never affects
// severity or the failure counter.
const (
	CheckResolverRunning = "resolver_running"
	CheckDNSResolving    = "dns_resolving"
	CheckUpstreamFile    = "upstream_dns_file"
	CheckWiring          = "local_resolver_wiring"
)

// enforcedChecks decide severity and recovery.
var enforcedChecks = []string{CheckResolverRunning, CheckUpstreamFile, CheckWiring}

type Resolver interface {
	IsRunning(ctx context.Context) (bool, error)
	Restart(ctx context.Context) error
}

// Wiring manages how the host points at the local resolver.
type Wiring interface {
	Check() (bool, error)
	Apply() error
	DetectUpstreams() ([]string, error)
}

type Verifier interface {
	Verify(ctx context.Context) bool
}

type Options struct {
	Resolver Resolver
	Wiring   Wiring
	Verifier Verifier
	Firewall firewall.Controller
	Locker   lock.Coordinator
	Store    store.Store

	// MaxFails is the failure count at which the watchdog stops checking
	// and keeps the firewall down until the counter is reset by hand.
	MaxFails    int
	RestartWait time.Duration
	LockWait    time.Duration
	// FallbackUpstreams are used when the host's upstreams cannot be
	// detected.
	FallbackUpstreams []string
}

type Watchdog struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Watchdog {
	if opts.MaxFails < 1 {
		opts.MaxFails = 1
	}
	return &Watchdog{opts: opts, now: time.Now}
}

// Loop runs a check immediately, then on every tick and every trigger.
func (w *Watchdog) Loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}) error {
	logrus.WithField("interval", interval).Info("Starting watchdog")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.Run(ctx)
		select {
		case <-ctx.Done():
			logrus.Info("Watchdog shutting down")
			return nil
		case <-ticker.C:
		case <-trigger:
			logrus.Debug("Watchdog run triggered by resolver configuration change")
		}
	}
}

// Run performs one watchdog pass and returns the status it persisted.
func (w *Watchdog) Run(ctx context.Context) *store.HealthStatus {
	failCount, err := w.opts.Store.LoadFailCount()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read failure counter, assuming 0")
		failCount = 0
	}

	if failCount >= w.opts.MaxFails {
		return w.latchedFailOpen(ctx, failCount)
	}

	checks := w.check(ctx)
	status := severity(checks)
	if checks[CheckResolverRunning] && !checks[CheckDNSResolving] {
		logrus.Warn("Local resolver is running but not answering, upstream DNS may be unreachable")
	}
	if status == store.StatusOK {
		if failCount != 0 {
			w.saveFailCount(0)
			failCount = 0
		}
		return w.finish(status, checks, failCount)
	}

	logrus.WithFields(logrus.Fields{
		"status": status,
		"checks": checks,
	}).Warn("Health check failed, attempting recovery")

	release, err := lock.AcquireTimeout(ctx, w.opts.Locker, w.opts.LockWait)
	if err != nil {
		logrus.WithError(err).Warn("Skipping recovery: lock unavailable")
		return w.finish(status, checks, failCount)
	}
	defer release()

	restartErr := w.repair(ctx, checks)
	after := w.check(ctx)

	restored := !checks[CheckResolverRunning] && after[CheckResolverRunning]

	switch {
	case restartErr != nil || !after[CheckResolverRunning]:
		status = store.StatusFailed
		failCount++
		if err := w.opts.Firewall.Deactivate(ctx); err != nil {
			logrus.WithError(err).Error("Failed to deactivate firewall after failed recovery")
		} else {
			metrics.FirewallActive.Set(0)
		}
		details := map[string]interface{}{
			"failed_checks": failed(after),
			"fail_count":    failCount,
		}
		if restartErr != nil {
			details["error"] = restartErr.Error()
		}
		audit.Log(audit.EventWatchdogFailed, "critical", "Watchdog recovery failed", details)
	case restored || healthy(after):
		status = store.StatusRecovered
		failCount = 0
		audit.Log(audit.EventWatchdogRecovered, "info", "Watchdog recovered the resolver", map[string]interface{}{
			"failed_checks": failed(checks),
			"still_failing": failed(after),
		})
	default:
		status = store.StatusWarning
		failCount++
	}

	w.saveFailCount(failCount)
	return w.finish(status, after, failCount)
}

// latchedFailOpen keeps enforcement off once the failure threshold is hit.
// No checks run until an operator resets the counter. If the firewall
// cannot be brought down the mode is left alone and the next run retries.
func (w *Watchdog) latchedFailOpen(ctx context.Context, failCount int) *store.HealthStatus {
	logrus.WithField("fail_count", failCount).Error("Failure threshold reached, staying in fail-open mode")

	release, err := lock.AcquireTimeout(ctx, w.opts.Locker, w.opts.LockWait)
	if err != nil {
		logrus.WithError(err).Error("Could not take lock to deactivate firewall, retrying next run")
		return w.finish(store.StatusFailed, map[string]bool{}, failCount)
	}
	defer release()

	if err := w.opts.Firewall.Deactivate(ctx); err != nil {
		logrus.WithError(err).Error("Failed to deactivate firewall, retrying next run")
		return w.finish(store.StatusFailed, map[string]bool{}, failCount)
	}
	metrics.FirewallActive.Set(0)

	mode, _ := w.opts.Store.LoadMode()
	if mode != store.ModeFailOpen {
		if err := w.opts.Store.SaveMode(store.ModeFailOpen); err != nil {
			logrus.WithError(err).Error("Failed to persist fail-open mode")
		}
		audit.LogFailOpen("watchdog failure threshold reached", map[string]interface{}{
			"fail_count": failCount,
			"max_fails":  w.opts.MaxFails,
		})
	}

	return w.finish(store.StatusFailOpen, map[string]bool{}, failCount)
}

func (w *Watchdog) check(ctx context.Context) map[string]bool {
	checks := make(map[string]bool, 4)

	running, err := w.opts.Resolver.IsRunning(ctx)
	if err != nil {
		logrus.WithError(err).Debug("Failed to query resolver state")
	}
	checks[CheckResolverRunning] = err == nil && running

	checks[CheckDNSResolving] = w.opts.Verifier.Verify(ctx)

	upstreams, err := w.opts.Store.LoadUpstreams()
	checks[CheckUpstreamFile] = err == nil && len(upstreams) > 0

	wired, err := w.opts.Wiring.Check()
	if err != nil {
		logrus.WithError(err).Debug("Failed to check resolver wiring")
	}
	checks[CheckWiring] = err == nil && wired

	return checks
}

// repair runs one action per failed check. Only a restart failure
// is returned; the other actions are judged by the re-check.
func (w *Watchdog) repair(ctx context.Context, checks map[string]bool) error {
	if !checks[CheckUpstreamFile] {
		upstreams, err := w.opts.Wiring.DetectUpstreams()
		if err != nil || len(upstreams) == 0 {
			logrus.WithError(err).Warn("Could not detect upstream DNS servers, using fallback")
			upstreams = w.opts.FallbackUpstreams
		}
		if err := w.opts.Store.SaveUpstreams(upstreams); err != nil {
			logrus.WithError(err).Error("Failed to regenerate upstream DNS file")
		} else {
			logrus.WithField("upstreams", upstreams).Info("Regenerated upstream DNS file")
		}
	}

	if !checks[CheckWiring] {
		if err := w.opts.Wiring.Apply(); err != nil {
			logrus.WithError(err).Error("Failed to rewrite local resolver wiring")
		} else {
			logrus.Info("Rewrote local resolver wiring")
		}
	}

	if checks[CheckResolverRunning] {
		return nil
	}

	logrus.Info("Restarting resolver")
	if err := w.opts.Resolver.Restart(ctx); err != nil {
		metrics.ResolverRestarts.WithLabelValues("error").Inc()
		logrus.WithError(err).Error("Failed to restart resolver")
		return err
	}
	metrics.ResolverRestarts.WithLabelValues("ok").Inc()

	select {
	case <-ctx.Done():
	case <-time.After(w.opts.RestartWait):
	}
	return nil
}

func (w *Watchdog) saveFailCount(n int) {
	if err := w.opts.Store.SaveFailCount(n); err != nil {
		logrus.WithError(err).Error("Failed to persist failure counter")
	}
}

func (w *Watchdog) finish(status store.Status, checks map[string]bool, failCount int) *store.HealthStatus {
	health := &store.HealthStatus{
		Timestamp: w.now().UTC(),
		Status:    status,
		Checks:    checks,
		FailCount: failCount,
	}
	if err := w.opts.Store.SaveHealth(health); err != nil {
		logrus.WithError(err).Error("Failed to write health status")
	}

	metrics.WatchdogRuns.WithLabelValues(string(status)).Inc()
	metrics.FailCount.Set(float64(failCount))

	entry := logrus.WithFields(logrus.Fields{
		"status":     status,
		"fail_count": failCount,
	})
	if status == store.StatusOK {
		entry.Debug("Health check passed")
	} else {
		entry.Info("Watchdog run complete")
	}
	return health
}

func severity(checks map[string]bool) store.Status {
	if !checks[CheckResolverRunning] {
		return store.StatusCritical
	}
	if !healthy(checks) {
		return store.StatusWarning
	}
	return store.StatusOK
}

func healthy(checks map[string]bool) bool {
	for _, name := range enforcedChecks {
		if !checks[name] {
			return false
		}
	}
	return true
}

func failed(checks map[string]bool) []string {
	var out []string
	for _, name := range []string{CheckResolverRunning, CheckDNSResolving, CheckUpstreamFile, CheckWiring} {
		if ok, seen := checks[name]; seen && !ok {
			out = append(out, name)
		}
	}
	return out
}
