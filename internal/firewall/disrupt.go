package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Disruptor tears down state that outlives an enforcement change: open
// connections, cached DNS answers and browser sessions.
type Disruptor interface {
	FlushConnections(ctx context.Context) error
	FlushDNSCache(ctx context.Context) error
	CloseBrowsers(ctx context.Context) error
}

// DisruptOptions selects which disruptions ExecDisruptor performs.
type DisruptOptions struct {
	FlushConnections bool
	FlushDNSCache    bool
	CloseBrowsers    bool
	Browsers         []string
	Runner           Runner
}

// ExecDisruptor uses conntrack, resolvectl and pkill.
type ExecDisruptor struct {
	opts DisruptOptions
}

func NewExecDisruptor(opts DisruptOptions) *ExecDisruptor {
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	return &ExecDisruptor{opts: opts}
}

func (d *ExecDisruptor) run(ctx context.Context, name string, args ...string) error {
	if out, err := d.opts.Runner(ctx, name, args...); err != nil {
		return fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *ExecDisruptor) FlushConnections(ctx context.Context) error {
	if !d.opts.FlushConnections {
		return nil
	}
	return d.run(ctx, "conntrack", "-F")
}

func (d *ExecDisruptor) FlushDNSCache(ctx context.Context) error {
	if !d.opts.FlushDNSCache {
		return nil
	}
	return d.run(ctx, "resolvectl", "flush-caches")
}

// CloseBrowsers signals every configured browser. A browser that is not
// running is not an error.
func (d *ExecDisruptor) CloseBrowsers(ctx context.Context) error {
	if !d.opts.CloseBrowsers {
		return nil
	}
	for _, b := range d.opts.Browsers {
		out, err := d.opts.Runner(ctx, "pkill", "-TERM", "-x", b)
		if err != nil && len(out) > 0 {
			logrus.WithError(err).WithField("browser", b).Debug("Failed to close browser")
		}
	}
	return nil
}

// Disrupting wraps a Controller and disrupts existing sessions whenever the
// enforcement state actually changes.
type Disrupting struct {
	Controller
	disruptor Disruptor
}

func NewDisrupting(c Controller, d Disruptor) *Disrupting {
	return &Disrupting{Controller: c, disruptor: d}
}

func (d *Disrupting) Activate(ctx context.Context) error {
	before, _ := d.Controller.Status(ctx)
	if err := d.Controller.Activate(ctx); err != nil {
		return err
	}
	if before != StateActive {
		d.disrupt(ctx, StateActive)
	}
	return nil
}

func (d *Disrupting) Deactivate(ctx context.Context) error {
	before, statusErr := d.Controller.Status(ctx)
	if err := d.Controller.Deactivate(ctx); err != nil {
		return err
	}
	// An unreadable prior state is treated as a change.
	if statusErr != nil || before != StateInactive {
		d.disrupt(ctx, StateInactive)
	}
	return nil
}

func (d *Disrupting) disrupt(ctx context.Context, to State) {
	log := logrus.WithField("state", to.String())
	if err := d.disruptor.FlushConnections(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush connections")
	}
	if err := d.disruptor.FlushDNSCache(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush DNS cache")
	}
	if err := d.disruptor.CloseBrowsers(ctx); err != nil {
		log.WithError(err).Warn("Failed to close browsers")
	}
}
