package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whitelistd/internal/dns"
	"whitelistd/internal/firewall"
	"whitelistd/internal/lock"
	"whitelistd/internal/rules"
	"whitelistd/internal/store"
)

const sampleWhitelist = `## WHITELIST
wikipedia.org
khanacademy.org

## BLOCKED-SUBDOMAINS
ads.wikipedia.org
`

type fakeFetcher struct {
	doc   string
	err   error
	panic bool
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context) (string, error) {
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.doc, f.err
}

type fakeResolver struct {
	restarts int
	err      error
}

func (r *fakeResolver) Restart(ctx context.Context) error {
	r.restarts++
	return r.err
}

type fakeVerifier struct{ ok bool }

func (v *fakeVerifier) Verify(ctx context.Context) bool { return v.ok }

type fakeProber struct{ captive bool }

func (p *fakeProber) Probe(ctx context.Context) bool { return p.captive }

type recordingHook struct {
	calls int
	last  *rules.Whitelist
}

func (h *recordingHook) Run(ctx context.Context, wl *rules.Whitelist) error {
	h.calls++
	h.last = wl
	return nil
}

type harness struct {
	u        *Updater
	fetcher  *fakeFetcher
	resolver *fakeResolver
	verifier *fakeVerifier
	prober   *fakeProber
	hook     *recordingHook
	fw       *firewall.MemoryController
	st       *store.MemoryStore
	locker   *lock.MemoryCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetcher:  &fakeFetcher{doc: sampleWhitelist},
		resolver: &fakeResolver{},
		verifier: &fakeVerifier{ok: true},
		prober:   &fakeProber{},
		hook:     &recordingHook{},
		fw:       firewall.NewMemoryController(),
		st:       store.NewMemoryStore(),
		locker:   lock.NewMemoryCoordinator(),
	}
	require.NoError(t, h.st.SaveUpstreams([]string{"192.168.1.1"}))
	h.u = New(Options{
		Fetcher: h.fetcher,
		Generator: dns.NewGenerator(dns.GeneratorOptions{
			ListenAddress: "127.0.0.1",
			CacheSize:     100,
			IPSet:         "whitelistd",
		}),
		Resolver:          h.resolver,
		Verifier:          h.verifier,
		Firewall:          h.fw,
		Locker:            h.locker,
		Store:             h.st,
		Prober:            h.prober,
		Policy:            h.hook,
		MaxFails:          3,
		LockWait:          20 * time.Millisecond,
		FallbackUpstreams: []string{"1.1.1.1"},
	})
	return h
}

func (h *harness) state(t *testing.T) firewall.State {
	t.Helper()
	s, err := h.fw.Status(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) mode(t *testing.T) store.Mode {
	t.Helper()
	m, err := h.st.LoadMode()
	require.NoError(t, err)
	return m
}

func (h *harness) resolverConfig(t *testing.T) string {
	t.Helper()
	c, err := h.st.ReadResolverConfig()
	require.NoError(t, err)
	return c
}

func assertPassthrough(t *testing.T, content string) {
	t.Helper()
	assert.Contains(t, content, "mode: passthrough")
	assert.NotContains(t, content, "address=/#/", "passthrough config must not block anything")
}

func TestRunAppliesWhitelist(t *testing.T) {
	h := newHarness(t)

	res := h.u.Run(context.Background())

	require.Equal(t, OutcomeActive, res.Outcome, "result %+v", res)
	assert.True(t, res.Changed)
	assert.Equal(t, firewall.StateActive, h.state(t))
	assert.Equal(t, 1, h.resolver.restarts)
	assert.Equal(t, 1, h.fw.Flushes, "allowed destinations must be reset for the new whitelist")

	content := h.resolverConfig(t)
	for _, want := range []string{"server=/wikipedia.org/192.168.1.1", "address=/ads.wikipedia.org/", "address=/#/"} {
		assert.Contains(t, content, want)
	}

	hash, err := h.st.LoadHash()
	require.NoError(t, err)
	assert.Equal(t, res.Hash, hash)

	cached, err := h.st.LoadWhitelist()
	require.NoError(t, err)
	assert.Equal(t, sampleWhitelist, cached)

	assert.Equal(t, 1, h.hook.calls)
	require.NotNil(t, h.hook.last)
	assert.Len(t, h.hook.last.AllowedDomains, 2)
}

func TestRunChangedWhitelistFlushesAllowed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.u.Run(ctx)
	h.fetcher.doc = "## WHITELIST\nwikipedia.org\n"
	res := h.u.Run(ctx)

	require.Equal(t, OutcomeActive, res.Outcome)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, h.fw.Flushes)
	assert.NotContains(t, h.resolverConfig(t), "khanacademy.org")
}

func TestRunEmergencyDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.u.Run(ctx)

	h.fetcher.doc = "\n#DESACTIVADO\n\n"
	res := h.u.Run(ctx)

	require.Equal(t, OutcomeFailOpen, res.Outcome, "result %+v", res)
	assert.Equal(t, firewall.StateInactive, h.state(t))
	assertPassthrough(t, h.resolverConfig(t))
	assert.Equal(t, store.ModeFailOpen, h.mode(t))
}

func TestRunFetchFailureWithoutCache(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &rules.FetchError{Source: "http://lists.example.org", Reason: rules.ReasonTransport, Err: context.DeadlineExceeded}

	res := h.u.Run(context.Background())

	require.Equal(t, OutcomeFailOpen, res.Outcome, "result %+v", res)
	assert.Equal(t, firewall.StateInactive, h.state(t))
	assertPassthrough(t, h.resolverConfig(t))
}

func TestRunFetchFailureUsesCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.SaveWhitelist(sampleWhitelist))
	h.fetcher.err = &rules.FetchError{Source: "http://lists.example.org", Reason: rules.ReasonStatus, StatusCode: 503}

	res := h.u.Run(context.Background())

	require.Equal(t, OutcomeActive, res.Outcome, "cached whitelist should be applied: %+v", res)
	assert.Contains(t, h.resolverConfig(t), "server=/khanacademy.org/")
}

func TestRunUnchangedSkipsRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.u.Run(ctx)
	h.fw.Set(firewall.StateInactive)
	second := h.u.Run(ctx)

	assert.False(t, second.Changed, "unchanged whitelist must not be re-applied")
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, h.resolver.restarts)
	assert.Equal(t, 1, h.hook.calls, "policy hook should only run on change")
	assert.Equal(t, 1, h.fw.Flushes)
	assert.Equal(t, firewall.StateActive, h.state(t), "firewall should be re-activated when DNS verifies")
}

func TestForceReapplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.u.Run(ctx)
	res := h.u.Force(ctx)

	assert.True(t, res.Changed)
	assert.Equal(t, 2, h.resolver.restarts)
}

func TestRunVerifyFailureLeavesFirewallInactive(t *testing.T) {
	h := newHarness(t)
	h.fw.Set(firewall.StateActive)
	h.verifier.ok = false

	res := h.u.Run(context.Background())

	require.Equal(t, OutcomeInactive, res.Outcome, "result %+v", res)
	assert.Equal(t, firewall.StateInactive, h.state(t), "a non-resolving resolver must never sit behind an active firewall")
}

func TestRunRestartFailureFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = errors.New("unit failed")

	res := h.u.Run(context.Background())

	require.Equal(t, OutcomeFailOpen, res.Outcome, "result %+v", res)
	assert.Contains(t, res.Reason, "restart")
	assert.Equal(t, firewall.StateInactive, h.state(t))
	assertPassthrough(t, h.resolverConfig(t))
}

func TestRunSkipsWhenLocked(t *testing.T) {
	h := newHarness(t)
	release, err := h.locker.TryAcquire()
	require.NoError(t, err)
	defer release()

	res := h.u.Run(context.Background())

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, h.fetcher.calls, "a skipped cycle must not fetch")
}

func TestRunLatchedFailOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.SaveFailCount(3))
	h.fw.Set(firewall.StateActive)

	res := h.u.Run(context.Background())

	assert.Equal(t, OutcomeFailOpen, res.Outcome)
	assert.Zero(t, h.fetcher.calls, "latched fail-open must not fetch")
	assert.Equal(t, firewall.StateInactive, h.state(t))
}

func TestRunCaptivePortal(t *testing.T) {
	h := newHarness(t)
	h.fw.Set(firewall.StateActive)
	h.prober.captive = true

	res := h.u.Run(context.Background())

	assert.Equal(t, OutcomeInactive, res.Outcome)
	assert.Equal(t, "captive portal", res.Reason)
	assert.Zero(t, h.fetcher.calls, "captive portal must stop the cycle before fetching")
	assert.Equal(t, firewall.StateInactive, h.state(t))
}

func TestDisableAndEnable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.u.Run(ctx)

	res, err := h.u.Disable(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Equal(t, firewall.StateInactive, h.state(t))
	assertPassthrough(t, h.resolverConfig(t))

	// Scheduled runs keep the passthrough configuration.
	res = h.u.Run(ctx)
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.False(t, res.Changed)
	assert.Equal(t, store.ModeDisabled, h.mode(t))

	res, err = h.u.Enable(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)
	assert.Equal(t, store.ModeEnforcing, h.mode(t))
}

func TestRecoveryFromFailOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.doc = "DISABLED\nexample.org\n"
	h.u.Run(ctx)
	require.Equal(t, store.ModeFailOpen, h.mode(t))

	h.fetcher.doc = sampleWhitelist
	res := h.u.Run(ctx)
	require.Equal(t, OutcomeActive, res.Outcome, "result %+v", res)
	assert.True(t, res.Changed)
	assert.Equal(t, store.ModeEnforcing, h.mode(t))
}

func TestPanicFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.fetcher.panic = true

	res := h.u.Run(context.Background())

	assert.Equal(t, OutcomeFailOpen, res.Outcome)
	_, err := h.locker.TryAcquire()
	assert.NoError(t, err, "lock not released after panic")
}

func TestApplyError(t *testing.T) {
	cause := errors.New("permission denied")
	var err error = &ApplyError{Op: "write", Err: cause}

	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "write", ae.Op)
	assert.ErrorIs(t, err, cause)
}

func TestExecHook(t *testing.T) {
	wl := rules.Parse(sampleWhitelist)
	ctx := context.Background()

	assert.NoError(t, NewExecHook([]string{"cat"}, time.Second).Run(ctx, wl))
	assert.NoError(t, NewExecHook(nil, time.Second).Run(ctx, wl))

	err := NewExecHook([]string{"cat", "false"}, time.Second).Run(ctx, wl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "false")
}
