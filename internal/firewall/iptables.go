package firewall

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
)

const filterTable = "filter"

// ruleTable is the subset of *iptables.IPTables the controller uses.
type ruleTable interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
}

// Options configures the iptables controller.
type Options struct {
	Chain string
	IPSet string
	// ResolverUser, when set, limits direct upstream DNS to that uid.
	ResolverUser string
	LANRanges    []string
	IPv6         bool
	// Upstreams returns the servers the resolver forwards to.
	Upstreams func() []string
	Runner    Runner
}

type family struct {
	name  string
	table ruleTable
	v6    bool
}

// IPTablesController installs a dedicated OUTPUT chain:
// loopback and established traffic pass, the resolver may reach its
// upstreams, any other DNS or DoT is dropped, destinations in the ipset
// (filled by the resolver) pass, everything else is rejected.
type IPTablesController struct {
	opts     Options
	families []family
}

// NewIPTablesController opens iptables (and ip6tables when enabled).
func NewIPTablesController(opts Options) (*IPTablesController, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise iptables: %w", err)
	}
	families := []family{{name: "ipv4", table: v4}}

	if opts.IPv6 {
		v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
		if err != nil {
			logrus.WithError(err).Warn("ip6tables unavailable; IPv6 egress is not restricted")
		} else {
			families = append(families, family{name: "ipv6", table: v6, v6: true})
		}
	}
	return newController(opts, families), nil
}

func newController(opts Options, families []family) *IPTablesController {
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if opts.Upstreams == nil {
		opts.Upstreams = func() []string { return nil }
	}
	return &IPTablesController{opts: opts, families: families}
}

func (c *IPTablesController) jump() []string {
	return []string{"-j", c.opts.Chain}
}

// Activate rebuilds the chain, then hooks it into OUTPUT. The jump is added
// last so that a half-built chain is never in effect.
func (c *IPTablesController) Activate(ctx context.Context) error {
	if err := c.ensureIPSet(ctx); err != nil {
		return err
	}

	for _, f := range c.families {
		if err := f.table.ClearChain(filterTable, c.opts.Chain); err != nil {
			return fmt.Errorf("failed to prepare %s chain %s: %w", f.name, c.opts.Chain, err)
		}
		for _, rule := range c.rules(f.v6) {
			if err := f.table.Append(filterTable, c.opts.Chain, rule...); err != nil {
				return fmt.Errorf("failed to add %s rule %q: %w", f.name, strings.Join(rule, " "), err)
			}
		}
		exists, err := f.table.Exists(filterTable, "OUTPUT", c.jump()...)
		if err != nil {
			return fmt.Errorf("failed to inspect %s OUTPUT chain: %w", f.name, err)
		}
		if !exists {
			if err := f.table.Insert(filterTable, "OUTPUT", 1, c.jump()...); err != nil {
				return fmt.Errorf("failed to hook %s chain: %w", f.name, err)
			}
		}
	}

	logrus.WithField("chain", c.opts.Chain).Info("Firewall activated")
	return nil
}

// Deactivate unhooks and removes the chain. Errors from one address family do
// not stop the other from being cleaned up.
func (c *IPTablesController) Deactivate(ctx context.Context) error {
	var firstErr error
	for _, f := range c.families {
		if err := f.table.DeleteIfExists(filterTable, "OUTPUT", c.jump()...); err != nil {
			logrus.WithError(err).WithField("family", f.name).Error("Failed to remove OUTPUT jump")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		exists, err := f.table.ChainExists(filterTable, c.opts.Chain)
		if err == nil && exists {
			err = f.table.ClearAndDeleteChain(filterTable, c.opts.Chain)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("failed to deactivate firewall: %w", firstErr)
	}

	// The set may not exist yet; nothing to forget then.
	if c.opts.IPSet != "" {
		if out, err := c.opts.Runner(ctx, "ipset", "flush", c.opts.IPSet); err != nil {
			logrus.WithError(err).WithField("output", strings.TrimSpace(string(out))).Debug("Failed to flush ipset")
		}
	}

	logrus.WithField("chain", c.opts.Chain).Info("Firewall deactivated")
	return nil
}

// Status is Active when the IPv4 OUTPUT jump is present.
func (c *IPTablesController) Status(ctx context.Context) (State, error) {
	exists, err := c.families[0].table.Exists(filterTable, "OUTPUT", c.jump()...)
	if err != nil {
		return StateInactive, fmt.Errorf("failed to inspect OUTPUT chain: %w", err)
	}
	if exists {
		return StateActive, nil
	}
	return StateInactive, nil
}

// FlushAllowed empties the ipset so addresses resolved for domains no
// longer on the whitelist stop matching. The resolver refills it on the
// next lookup.
func (c *IPTablesController) FlushAllowed(ctx context.Context) error {
	if c.opts.IPSet == "" {
		return nil
	}
	if err := c.ensureIPSet(ctx); err != nil {
		return err
	}
	if out, err := c.opts.Runner(ctx, "ipset", "flush", c.opts.IPSet); err != nil {
		return fmt.Errorf("failed to flush ipset %s: %v: %s", c.opts.IPSet, err, strings.TrimSpace(string(out)))
	}
	logrus.WithField("ipset", c.opts.IPSet).Debug("Flushed allowed destinations")
	return nil
}

func (c *IPTablesController) ensureIPSet(ctx context.Context) error {
	if c.opts.IPSet == "" {
		return nil
	}
	args := []string{"create", c.opts.IPSet, "hash:ip", "timeout", "86400", "-exist"}
	if out, err := c.opts.Runner(ctx, "ipset", args...); err != nil {
		return fmt.Errorf("failed to create ipset %s: %v: %s", c.opts.IPSet, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// rules returns the chain body for one address family.
func (c *IPTablesController) rules(v6 bool) [][]string {
	rules := [][]string{
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}

	for _, u := range c.opts.Upstreams() {
		host := u
		if h, _, err := net.SplitHostPort(u); err == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil || (ip.To4() == nil) != v6 {
			continue
		}
		for _, proto := range []string{"udp", "tcp"} {
			rule := []string{"-p", proto, "-d", ip.String(), "--dport", "53"}
			if c.opts.ResolverUser != "" {
				rule = append(rule, "-m", "owner", "--uid-owner", c.opts.ResolverUser)
			}
			rules = append(rules, append(rule, "-j", "ACCEPT"))
		}
	}

	for _, proto := range []string{"udp", "tcp"} {
		for _, port := range []string{"53", "853"} {
			rules = append(rules, []string{"-p", proto, "--dport", port, "-j", "DROP"})
		}
	}

	if !v6 {
		for _, r := range c.opts.LANRanges {
			rules = append(rules, []string{"-d", r, "-j", "ACCEPT"})
		}
		if c.opts.IPSet != "" {
			rules = append(rules, []string{"-m", "set", "--match-set", c.opts.IPSet, "dst", "-j", "ACCEPT"})
		}
	}

	return append(rules, []string{"-j", "REJECT"})
}
