package captive

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/audit"
	"whitelistd/internal/firewall"
	"whitelistd/internal/lock"
	"whitelistd/internal/metrics"
	"whitelistd/internal/store"
)

// Verifier checks that DNS resolution works through the local resolver.
type Verifier interface {
	Verify(ctx context.Context) bool
}

// Transition is the effect of one detector tick.
type Transition int

const (
	NoChange Transition = iota
	// Detected means enforcement was suspended for a portal.
	Detected
	// Cleared means the portal went away.
	Cleared
	// Deferred means a transition was due but could not be applied; it is
	// retried on the next tick.
	Deferred
)

func (t Transition) String() string {
	switch t {
	case Detected:
		return "detected"
	case Cleared:
		return "cleared"
	case Deferred:
		return "deferred"
	}
	return "none"
}

type Options struct {
	Prober   Prober
	Firewall firewall.Controller
	Locker   lock.Coordinator
	Verifier Verifier
	Store    store.Store
	Interval time.Duration
	LockWait time.Duration
}

// Detector polls for captive portals and toggles the firewall on edges.
// The detected flag lives only in memory; a restarted detector starts from
// "no portal" and re-probes.
type Detector struct {
	opts Options

	mu       sync.Mutex
	detected bool
}

func NewDetector(opts Options) *Detector {
	return &Detector{opts: opts}
}

// Detected reports the current in-memory portal state.
func (d *Detector) Detected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// Run ticks immediately and then every interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	logrus.WithField("interval", d.opts.Interval).Info("Starting captive portal detector")
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			logrus.Info("Captive portal detector shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick probes once and applies at most one transition. The lock is taken
// only when the state changes.
func (d *Detector) Tick(ctx context.Context) Transition {
	captive := d.opts.Prober.Probe(ctx)
	if captive == d.Detected() {
		return NoChange
	}

	release, err := lock.AcquireTimeout(ctx, d.opts.Locker, d.opts.LockWait)
	if err != nil {
		logrus.WithError(err).Warn("Captive portal transition deferred: lock unavailable")
		return Deferred
	}
	defer release()

	if captive {
		return d.onDetected(ctx)
	}
	return d.onCleared(ctx)
}

func (d *Detector) onDetected(ctx context.Context) Transition {
	if err := d.opts.Firewall.Deactivate(ctx); err != nil {
		logrus.WithError(err).Error("Failed to deactivate firewall for captive portal")
		return Deferred
	}

	d.setDetected(true)
	audit.Log(audit.EventCaptiveDetected, "warning", "Captive portal detected, enforcement suspended", nil)
	metrics.FirewallActive.Set(0)
	return Detected
}

func (d *Detector) onCleared(ctx context.Context) Transition {
	d.setDetected(false)

	mode, err := d.opts.Store.LoadMode()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read enforcement mode")
	}
	if mode != store.ModeEnforcing {
		logrus.WithField("mode", mode).Info("Captive portal cleared; enforcement stays off")
		audit.Log(audit.EventCaptiveCleared, "info", "Captive portal cleared", map[string]interface{}{
			"mode": string(mode),
		})
		return Cleared
	}

	if !d.opts.Verifier.Verify(ctx) {
		logrus.Warn("Captive portal cleared but DNS verification failed; firewall stays inactive")
		audit.Log(audit.EventCaptiveCleared, "warning", "Captive portal cleared, DNS not verified", nil)
		return Cleared
	}

	if err := d.opts.Firewall.Activate(ctx); err != nil {
		logrus.WithError(err).Error("Failed to reactivate firewall after captive portal")
		d.opts.Firewall.Deactivate(ctx)
		return Cleared
	}

	audit.Log(audit.EventCaptiveCleared, "info", "Captive portal cleared, enforcement restored", nil)
	metrics.FirewallActive.Set(1)
	return Cleared
}

func (d *Detector) setDetected(v bool) {
	d.mu.Lock()
	d.detected = v
	d.mu.Unlock()
	metrics.CaptivePortal.Set(metrics.Bool(v))
}
