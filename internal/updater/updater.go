// Package updater runs the whitelist update cycle: fetch, parse, render the
// resolver configuration, apply it and gate the firewall on a working
// resolver. Every failure that cannot be handled locally ends in fail-open.
package updater

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/audit"
	"whitelistd/internal/dns"
	"whitelistd/internal/firewall"
	"whitelistd/internal/lock"
	"whitelistd/internal/metrics"
	"whitelistd/internal/rules"
	"whitelistd/internal/store"
)

// Outcome is the state a cycle left the host in.
type Outcome string

const (
	OutcomeActive   Outcome = "active"
	OutcomeInactive Outcome = "inactive"
	OutcomeFailOpen Outcome = "fail-open"
	OutcomeDisabled Outcome = "disabled"
	// OutcomeSkipped means another cycle held the lock.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes one update cycle.
type Result struct {
	Outcome Outcome
	Reason  string
	// Hash of the resolver configuration in effect after the cycle.
	Hash string
	// Changed is true when the resolver configuration was rewritten.
	Changed bool
}

// Prober reports whether a captive portal is in the way.
type Prober interface {
	Probe(ctx context.Context) bool
}

type Resolver interface {
	Restart(ctx context.Context) error
}

type Verifier interface {
	Verify(ctx context.Context) bool
}

type Options struct {
	Fetcher   rules.Fetcher
	Generator *dns.Generator
	Resolver  Resolver
	Verifier  Verifier
	Firewall  firewall.Controller
	Locker    lock.Coordinator
	Store     store.Store

	// Prober is optional; nil disables the captive portal check.
	Prober Prober
	// Policy is optional and runs after every resolver change.
	Policy PolicyHook

	MaxFails          int
	LockWait          time.Duration
	FallbackUpstreams []string
}

type Updater struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Updater {
	if opts.MaxFails < 1 {
		opts.MaxFails = 1
	}
	return &Updater{opts: opts, now: time.Now}
}

// Run is the scheduled entry point. It skips instead of waiting when
// another cycle holds the lock.
func (u *Updater) Run(ctx context.Context) Result {
	release, err := u.opts.Locker.TryAcquire()
	if err != nil {
		return u.skipped(err)
	}
	defer release()
	return u.cycle(ctx, false)
}

// Force waits for the lock and re-applies the configuration even if its
// hash is unchanged.
func (u *Updater) Force(ctx context.Context) Result {
	release, err := lock.AcquireTimeout(ctx, u.opts.Locker, u.opts.LockWait)
	if err != nil {
		return u.skipped(err)
	}
	defer release()
	return u.cycle(ctx, true)
}

// Enable returns to enforcing mode and runs a forced cycle.
func (u *Updater) Enable(ctx context.Context) (Result, error) {
	return u.setMode(ctx, store.ModeEnforcing, audit.EventEnforcementEnabled, "Enforcement enabled by operator")
}

// Disable switches to passthrough until Enable is called.
func (u *Updater) Disable(ctx context.Context) (Result, error) {
	return u.setMode(ctx, store.ModeDisabled, audit.EventEnforcementDisabled, "Enforcement disabled by operator")
}

func (u *Updater) setMode(ctx context.Context, mode store.Mode, event audit.EventType, msg string) (Result, error) {
	release, err := lock.AcquireTimeout(ctx, u.opts.Locker, u.opts.LockWait)
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer release()

	if err := u.opts.Store.SaveMode(mode); err != nil {
		return Result{}, fmt.Errorf("failed to save mode: %w", err)
	}
	audit.Log(event, "warning", msg, nil)
	logrus.WithField("mode", mode).Info(msg)

	return u.cycle(ctx, true), nil
}

// Loop runs a cycle now and then every interval. The first periodic run is
// delayed by up to jitter.
func (u *Updater) Loop(ctx context.Context, interval, jitter time.Duration) error {
	logrus.WithField("interval", interval).Info("Starting whitelist updater")
	u.Run(ctx)

	if jitter > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Whitelist updater shutting down")
			return nil
		case <-ticker.C:
			u.Run(ctx)
		}
	}
}

func (u *Updater) skipped(err error) Result {
	reason := "lock held by another run"
	if !errors.Is(err, lock.ErrLocked) {
		reason = err.Error()
	}
	logrus.WithError(err).Info("Skipping update cycle")
	metrics.UpdateRuns.WithLabelValues(string(OutcomeSkipped)).Inc()
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// cycle must be called with the lock held. It always ends in a defined
// state; a panic is converted into fail-open.
func (u *Updater) cycle(ctx context.Context, force bool) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("Update cycle panicked")
			res = u.failOpen(ctx, fmt.Sprintf("internal error: %v", r))
		}
		u.record(res)
	}()

	mode, err := u.opts.Store.LoadMode()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read enforcement mode, assuming enforcing")
		mode = store.ModeEnforcing
	}
	if mode == store.ModeDisabled {
		return u.passthrough(ctx)
	}

	failCount, err := u.opts.Store.LoadFailCount()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read failure counter, assuming 0")
		failCount = 0
	}
	if failCount >= u.opts.MaxFails {
		return u.failOpen(ctx, "watchdog failure threshold reached")
	}

	if u.opts.Prober != nil && u.opts.Prober.Probe(ctx) {
		logrus.Warn("Captive portal detected, suspending enforcement")
		u.deactivate(ctx, "captive portal")
		return Result{Outcome: OutcomeInactive, Reason: "captive portal"}
	}

	doc, err := u.opts.Fetcher.Fetch(ctx)
	if err != nil {
		cached, cacheErr := u.opts.Store.LoadWhitelist()
		if cacheErr != nil {
			logrus.WithError(err).Error("Failed to fetch whitelist and no cached copy exists")
			return u.failOpen(ctx, "whitelist unavailable: "+err.Error())
		}
		logrus.WithError(err).Warn("Failed to fetch whitelist, using cached copy")
		doc = cached
	} else if err := u.opts.Store.SaveWhitelist(doc); err != nil {
		logrus.WithError(err).Warn("Failed to cache whitelist")
	}

	wl := rules.Parse(doc)
	if wl.EmergencyDisabled {
		audit.Log(audit.EventEmergencyDisabled, "warning", "Whitelist carries the emergency disable marker", nil)
		return u.failOpen(ctx, "emergency disable marker")
	}
	metrics.WhitelistDomains.Set(float64(len(wl.AllowedDomains)))

	cfg := u.opts.Generator.Generate(wl, u.upstreams())
	stored, _ := u.opts.Store.LoadHash()
	changed := force || cfg.Hash != stored

	if changed {
		if err := u.apply(ctx, cfg); err != nil {
			logrus.WithError(err).Error("Failed to apply resolver configuration")
			return u.failOpen(ctx, err.Error())
		}
		if err := u.opts.Firewall.FlushAllowed(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush previously allowed destinations")
		}
		u.runPolicy(ctx, wl)
	} else {
		logrus.WithField("hash", cfg.Hash[:12]).Debug("Resolver configuration unchanged")
	}

	if !u.opts.Verifier.Verify(ctx) {
		logrus.Warn("DNS verification failed, firewall left inactive")
		u.deactivate(ctx, "dns verification failed")
		return Result{Outcome: OutcomeInactive, Reason: "dns verification failed", Hash: cfg.Hash, Changed: changed}
	}

	if err := u.activate(ctx); err != nil {
		logrus.WithError(err).Error("Failed to activate firewall")
		u.deactivate(ctx, "firewall activation failed")
		return Result{Outcome: OutcomeInactive, Reason: "firewall activation failed", Hash: cfg.Hash, Changed: changed}
	}
	if mode != store.ModeEnforcing {
		if err := u.opts.Store.SaveMode(store.ModeEnforcing); err != nil {
			logrus.WithError(err).Error("Failed to persist enforcing mode")
		}
	}

	return Result{Outcome: OutcomeActive, Hash: cfg.Hash, Changed: changed}
}

// apply writes cfg and restarts the resolver. A failure here leaves the
// resolver in an unknown state, so the caller fails open.
func (u *Updater) apply(ctx context.Context, cfg *dns.ResolverConfig) error {
	if err := u.opts.Store.WriteResolverConfig(cfg.Content); err != nil {
		return &ApplyError{Op: "write", Err: err}
	}
	if err := u.opts.Resolver.Restart(ctx); err != nil {
		metrics.ResolverRestarts.WithLabelValues("error").Inc()
		return &ApplyError{Op: "restart", Err: err}
	}
	metrics.ResolverRestarts.WithLabelValues("ok").Inc()

	if err := u.opts.Store.SaveHash(cfg.Hash); err != nil {
		logrus.WithError(err).Warn("Failed to persist resolver configuration hash")
	}
	audit.Log(audit.EventResolverApplied, "info", "Resolver configuration applied", map[string]interface{}{
		"hash": cfg.Hash,
	})
	return nil
}

// failOpen drops enforcement entirely: firewall off, resolver forwarding
// everything upstream.
func (u *Updater) failOpen(ctx context.Context, reason string) Result {
	logrus.WithField("reason", reason).Error("Entering fail-open mode")
	u.deactivate(ctx, reason)

	pt := u.opts.Generator.Passthrough(u.upstreams())
	changed := u.installPassthrough(ctx, pt)

	if err := u.opts.Store.SaveMode(store.ModeFailOpen); err != nil {
		logrus.WithError(err).Error("Failed to persist fail-open mode")
	}
	audit.LogFailOpen(reason, map[string]interface{}{
		"hash": pt.Hash,
	})
	return Result{Outcome: OutcomeFailOpen, Reason: reason, Hash: pt.Hash, Changed: changed}
}

// passthrough is the operator-disabled state. Unlike failOpen it keeps the
// persisted mode.
func (u *Updater) passthrough(ctx context.Context) Result {
	u.deactivate(ctx, "enforcement disabled")
	pt := u.opts.Generator.Passthrough(u.upstreams())
	changed := u.installPassthrough(ctx, pt)
	return Result{Outcome: OutcomeDisabled, Reason: "enforcement disabled", Hash: pt.Hash, Changed: changed}
}

// installPassthrough is best effort: errors are logged, since there is no
// safer state left to fall back to.
func (u *Updater) installPassthrough(ctx context.Context, pt *dns.ResolverConfig) bool {
	stored, _ := u.opts.Store.LoadHash()
	if stored == pt.Hash {
		return false
	}
	if err := u.opts.Store.WriteResolverConfig(pt.Content); err != nil {
		logrus.WithError(err).Error("Failed to write passthrough resolver configuration")
		return false
	}
	if err := u.opts.Resolver.Restart(ctx); err != nil {
		metrics.ResolverRestarts.WithLabelValues("error").Inc()
		logrus.WithError(err).Error("Failed to restart resolver in passthrough mode")
	} else {
		metrics.ResolverRestarts.WithLabelValues("ok").Inc()
	}
	if err := u.opts.Store.SaveHash(pt.Hash); err != nil {
		logrus.WithError(err).Warn("Failed to persist resolver configuration hash")
	}
	return true
}

func (u *Updater) activate(ctx context.Context) error {
	before, _ := u.opts.Firewall.Status(ctx)
	if err := u.opts.Firewall.Activate(ctx); err != nil {
		return err
	}
	metrics.FirewallActive.Set(1)
	if before != firewall.StateActive {
		audit.LogFirewall(true, "updater", "whitelist applied and DNS verified")
	}
	return nil
}

func (u *Updater) deactivate(ctx context.Context, reason string) {
	before, _ := u.opts.Firewall.Status(ctx)
	if err := u.opts.Firewall.Deactivate(ctx); err != nil {
		logrus.WithError(err).Error("Failed to deactivate firewall")
		return
	}
	metrics.FirewallActive.Set(0)
	if before == firewall.StateActive {
		audit.LogFirewall(false, "updater", reason)
	}
}

func (u *Updater) runPolicy(ctx context.Context, wl *rules.Whitelist) {
	if u.opts.Policy == nil {
		return
	}
	if err := u.opts.Policy.Run(ctx, wl); err != nil {
		logrus.WithError(err).Warn("Browser policy generation failed")
	}
}

func (u *Updater) upstreams() []string {
	servers, err := u.opts.Store.LoadUpstreams()
	if err != nil || len(servers) == 0 {
		return u.opts.FallbackUpstreams
	}
	return servers
}

func (u *Updater) record(res Result) {
	metrics.UpdateRuns.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != OutcomeSkipped {
		metrics.LastUpdate.Set(float64(u.now().Unix()))
	}

	entry := logrus.WithFields(logrus.Fields{
		"outcome": res.Outcome,
		"changed": res.Changed,
	})
	if res.Reason != "" {
		entry = entry.WithField("reason", res.Reason)
	}
	entry.Info("Update cycle complete")
}
