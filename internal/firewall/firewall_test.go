package firewall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable is an in-memory filter table.
type fakeTable struct {
	chains map[string][][]string
}

func newFakeTable() *fakeTable {
	return &fakeTable{chains: map[string][][]string{"OUTPUT": nil}}
}

func (f *fakeTable) key(rule []string) string { return strings.Join(rule, " ") }

func (f *fakeTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	for _, r := range f.chains[chain] {
		if f.key(r) == f.key(rulespec) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTable) Insert(table, chain string, pos int, rulespec ...string) error {
	rules, ok := f.chains[chain]
	if !ok {
		return errors.New("no chain " + chain)
	}
	f.chains[chain] = append([][]string{rulespec}, rules...)
	return nil
}

func (f *fakeTable) Append(table, chain string, rulespec ...string) error {
	if _, ok := f.chains[chain]; !ok {
		return errors.New("no chain " + chain)
	}
	f.chains[chain] = append(f.chains[chain], rulespec)
	return nil
}

func (f *fakeTable) DeleteIfExists(table, chain string, rulespec ...string) error {
	var kept [][]string
	for _, r := range f.chains[chain] {
		if f.key(r) != f.key(rulespec) {
			kept = append(kept, r)
		}
	}
	f.chains[chain] = kept
	return nil
}

func (f *fakeTable) ChainExists(table, chain string) (bool, error) {
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeTable) ClearChain(table, chain string) error {
	f.chains[chain] = [][]string{}
	return nil
}

func (f *fakeTable) ClearAndDeleteChain(table, chain string) error {
	delete(f.chains, chain)
	return nil
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return nil, r.err
}

func newTestController(t *testing.T, v6 bool) (*IPTablesController, *fakeTable, *fakeTable, *recordingRunner) {
	t.Helper()
	v4t, v6t := newFakeTable(), newFakeTable()
	runner := &recordingRunner{}
	families := []family{{name: "ipv4", table: v4t}}
	if v6 {
		families = append(families, family{name: "ipv6", table: v6t, v6: true})
	}
	c := newController(Options{
		Chain:        "WHITELIST-OUT",
		IPSet:        "whitelistd",
		ResolverUser: "dnsmasq",
		LANRanges:    []string{"192.168.0.0/16"},
		Upstreams:    func() []string { return []string{"192.168.1.1", "2001:4860:4860::8888", "1.1.1.1:53"} },
		Runner:       runner.run,
	}, families)
	return c, v4t, v6t, runner
}

func TestActivateInstallsChain(t *testing.T) {
	ctx := context.Background()
	c, v4, _, runner := newTestController(t, false)

	require.NoError(t, c.Activate(ctx))

	state, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	assert.Equal(t, []string{"-j", "WHITELIST-OUT"}, v4.chains["OUTPUT"][0])

	chain := v4.chains["WHITELIST-OUT"]
	require.NotEmpty(t, chain)
	assert.Equal(t, []string{"-o", "lo", "-j", "ACCEPT"}, chain[0])
	assert.Equal(t, []string{"-j", "REJECT"}, chain[len(chain)-1])

	joined := make([]string, len(chain))
	for i, r := range chain {
		joined[i] = strings.Join(r, " ")
	}
	assert.Contains(t, joined, "-p udp -d 192.168.1.1 --dport 53 -m owner --uid-owner dnsmasq -j ACCEPT")
	assert.Contains(t, joined, "-p tcp -d 1.1.1.1 --dport 53 -m owner --uid-owner dnsmasq -j ACCEPT")
	assert.Contains(t, joined, "-p udp --dport 53 -j DROP")
	assert.Contains(t, joined, "-p tcp --dport 853 -j DROP")
	assert.Contains(t, joined, "-d 192.168.0.0/16 -j ACCEPT")
	assert.Contains(t, joined, "-m set --match-set whitelistd dst -j ACCEPT")
	for _, r := range joined {
		assert.NotContains(t, r, "2001:4860", "IPv6 upstream must not appear in IPv4 rules")
	}

	assert.Equal(t, []string{"ipset create whitelistd hash:ip timeout 86400 -exist"}, runner.calls)
}

func TestActivateIdempotent(t *testing.T) {
	ctx := context.Background()
	c, v4, v6, _ := newTestController(t, true)

	require.NoError(t, c.Activate(ctx))
	firstV4 := len(v4.chains["WHITELIST-OUT"])
	firstV6 := len(v6.chains["WHITELIST-OUT"])

	require.NoError(t, c.Activate(ctx))
	assert.Len(t, v4.chains["OUTPUT"], 1, "jump must be installed once")
	assert.Len(t, v6.chains["OUTPUT"], 1)
	assert.Len(t, v4.chains["WHITELIST-OUT"], firstV4)
	assert.Len(t, v6.chains["WHITELIST-OUT"], firstV6)

	state, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
}

func TestDeactivateIdempotent(t *testing.T) {
	ctx := context.Background()
	c, v4, v6, _ := newTestController(t, true)

	// Deactivating an inactive firewall is a no-op.
	require.NoError(t, c.Deactivate(ctx))

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Deactivate(ctx))
	require.NoError(t, c.Deactivate(ctx))

	state, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, state)
	assert.Empty(t, v4.chains["OUTPUT"])
	assert.Empty(t, v6.chains["OUTPUT"])
	_, ok := v4.chains["WHITELIST-OUT"]
	assert.False(t, ok, "chain should be removed")
}

func TestFlushAllowed(t *testing.T) {
	ctx := context.Background()
	c, _, _, runner := newTestController(t, false)

	require.NoError(t, c.FlushAllowed(ctx))
	assert.Equal(t, []string{
		"ipset create whitelistd hash:ip timeout 86400 -exist",
		"ipset flush whitelistd",
	}, runner.calls)

	runner.err = errors.New("exit status 1")
	assert.Error(t, c.FlushAllowed(ctx))
}

func TestDeactivateFlushesIPSet(t *testing.T) {
	ctx := context.Background()
	c, _, _, runner := newTestController(t, false)

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Deactivate(ctx))

	assert.Equal(t, "ipset flush whitelistd", runner.calls[len(runner.calls)-1])
}

func TestActivateFailsWithoutIPSet(t *testing.T) {
	c, v4, _, runner := newTestController(t, false)
	runner.err = errors.New("exit status 1")

	require.Error(t, c.Activate(context.Background()))
	assert.Empty(t, v4.chains["OUTPUT"], "no jump may be installed when setup fails")
}

type countingDisruptor struct {
	flushes, caches, browsers int
}

func (c *countingDisruptor) FlushConnections(ctx context.Context) error { c.flushes++; return nil }
func (c *countingDisruptor) FlushDNSCache(ctx context.Context) error    { c.caches++; return nil }
func (c *countingDisruptor) CloseBrowsers(ctx context.Context) error    { c.browsers++; return nil }

func TestDisruptingOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryController()
	d := &countingDisruptor{}
	c := NewDisrupting(inner, d)

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Activate(ctx))
	assert.Equal(t, 1, d.flushes)

	require.NoError(t, c.Deactivate(ctx))
	require.NoError(t, c.Deactivate(ctx))
	assert.Equal(t, 2, d.flushes)
	assert.Equal(t, 2, d.caches)
	assert.Equal(t, 2, d.browsers)

	state, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, state)
}

func TestExecDisruptor(t *testing.T) {
	runner := &recordingRunner{}
	d := NewExecDisruptor(DisruptOptions{
		FlushConnections: true,
		FlushDNSCache:    false,
		CloseBrowsers:    true,
		Browsers:         []string{"firefox", "chromium"},
		Runner:           runner.run,
	})
	ctx := context.Background()

	require.NoError(t, d.FlushConnections(ctx))
	require.NoError(t, d.FlushDNSCache(ctx))
	require.NoError(t, d.CloseBrowsers(ctx))

	assert.Equal(t, []string{
		"conntrack -F",
		"pkill -TERM -x firefox",
		"pkill -TERM -x chromium",
	}, runner.calls)
}
