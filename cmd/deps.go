package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/audit"
	"whitelistd/internal/captive"
	"whitelistd/internal/config"
	"whitelistd/internal/dns"
	"whitelistd/internal/firewall"
	"whitelistd/internal/lock"
	"whitelistd/internal/logging"
	"whitelistd/internal/rules"
	"whitelistd/internal/security"
	"whitelistd/internal/store"
	"whitelistd/internal/updater"
	"whitelistd/internal/watchdog"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg      *config.Config
	store    *store.FileStore
	locker   *lock.FileCoordinator
	firewall firewall.Controller
	resolver *dns.SystemdService
	verifier *dns.Verifier
	wiring   *dns.Wiring
	prober   captive.Prober

	updater  *updater.Updater
	watchdog *watchdog.Watchdog
	detector *captive.Detector
}

// loadConfig loads and validates the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logging.Setup(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	for _, warning := range config.ValidateCredentialSecurity(cfg) {
		logrus.Warnf("SECURITY WARNING: %s", warning)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logrus.WithFields(logrus.Fields(config.SanitizeConfigForLogging(cfg))).Debug("Configuration loaded")

	return cfg, nil
}

// setup builds the full component graph. Mutating commands pass
// privileged=true and get the root check and the audit log.
func setup(privileged bool) (*app, error) {
	if privileged {
		if err := security.RequireRoot(); err != nil {
			return nil, err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if privileged {
		if err := audit.Initialize(cfg.Agent.AuditDir); err != nil {
			logrus.WithError(err).Warn("Failed to initialize audit log")
		}
	}

	a := &app{cfg: cfg}

	a.store, err = store.NewFileStore(cfg.Agent.StateDir, cfg.DNS.ResolverConfigPath)
	if err != nil {
		return nil, err
	}
	a.locker = lock.NewFileCoordinator(cfg.Lock.Path)
	a.resolver = dns.NewSystemdService(cfg.DNS.ResolverUnit)
	a.verifier = dns.NewVerifier(cfg.DNS.ResolverAddress, cfg.DNS.VerifyDomains, cfg.DNS.VerifyTimeout)
	a.wiring = dns.NewWiring(cfg.DNS.ResolvConfPath)

	lan := cfg.Firewall.LANRanges
	if !cfg.Firewall.AllowLAN {
		lan = nil
	}
	ipt, err := firewall.NewIPTablesController(firewall.Options{
		Chain:        cfg.Firewall.Chain,
		IPSet:        cfg.Firewall.IPSet,
		ResolverUser: cfg.Firewall.ResolverUser,
		LANRanges:    lan,
		IPv6:         cfg.Firewall.IPv6,
		Upstreams:    a.upstreams,
		Runner:       firewall.ExecRunner,
	})
	if err != nil {
		return nil, err
	}
	a.firewall = firewall.NewDisrupting(ipt, firewall.NewExecDisruptor(firewall.DisruptOptions{
		FlushConnections: cfg.Disruption.FlushConnections,
		FlushDNSCache:    cfg.Disruption.FlushDNSCache,
		CloseBrowsers:    cfg.Disruption.CloseBrowsers,
		Browsers:         cfg.Disruption.Browsers,
		Runner:           firewall.ExecRunner,
	}))

	if cfg.CaptivePortal.Enabled {
		a.prober = captive.NewHTTPProber(cfg.CaptivePortal.ProbeURL, cfg.CaptivePortal.ExpectedBody, cfg.CaptivePortal.Timeout)
	}

	fetcher, err := rules.NewFetcher(&cfg.Source)
	if err != nil {
		return nil, err
	}

	generator := dns.NewGenerator(dns.GeneratorOptions{
		ListenAddress: cfg.DNS.ListenAddress,
		CacheSize:     cfg.DNS.CacheSize,
		IPSet:         cfg.Firewall.IPSet,
		AlwaysAllowed: alwaysAllowed(cfg),
	})

	uopts := updater.Options{
		Fetcher:           fetcher,
		Generator:         generator,
		Resolver:          a.resolver,
		Verifier:          a.verifier,
		Firewall:          a.firewall,
		Locker:            a.locker,
		Store:             a.store,
		Prober:            a.prober,
		MaxFails:          cfg.Watchdog.MaxConsecutiveFails,
		LockWait:          cfg.Lock.Timeout,
		FallbackUpstreams: cfg.DNS.Upstreams,
	}
	if len(cfg.Policy.Commands) > 0 {
		uopts.Policy = updater.NewExecHook(cfg.Policy.Commands, cfg.Policy.Timeout)
	}
	a.updater = updater.New(uopts)

	a.watchdog = watchdog.New(watchdog.Options{
		Resolver:          a.resolver,
		Wiring:            a.wiring,
		Verifier:          a.verifier,
		Firewall:          a.firewall,
		Locker:            a.locker,
		Store:             a.store,
		MaxFails:          cfg.Watchdog.MaxConsecutiveFails,
		RestartWait:       cfg.Watchdog.RestartWait,
		LockWait:          cfg.Lock.Timeout,
		FallbackUpstreams: cfg.DNS.Upstreams,
	})

	if a.prober != nil {
		a.detector = captive.NewDetector(captive.Options{
			Prober:   a.prober,
			Firewall: a.firewall,
			Locker:   a.locker,
			Verifier: a.verifier,
			Store:    a.store,
			Interval: cfg.CaptivePortal.Interval,
			LockWait: cfg.Lock.Timeout,
		})
	}

	return a, nil
}

// upstreams returns the recorded host upstreams, or the configured ones.
func (a *app) upstreams() []string {
	servers, err := a.store.LoadUpstreams()
	if err != nil || len(servers) == 0 {
		return a.cfg.DNS.Upstreams
	}
	return servers
}

// alwaysAllowed lists names that must stay resolvable under enforcement.
func alwaysAllowed(cfg *config.Config) []string {
	domains := captive.AllowedDomains(cfg.CaptivePortal.AdditionalDomains)
	domains = append(domains, cfg.DNS.VerifyDomains...)
	domains = append(domains, sourceHosts(cfg)...)
	return domains
}

// isAlwaysAllowed reports whether domain, or a parent of it, is kept
// resolvable regardless of the whitelist.
func isAlwaysAllowed(cfg *config.Config, domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	for _, d := range alwaysAllowed(cfg) {
		d = strings.TrimSuffix(strings.ToLower(d), ".")
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func sourceHosts(cfg *config.Config) []string {
	if host := rules.SourceHost(cfg.Source.URL); host != "" {
		return []string{host}
	}
	u, err := url.Parse(cfg.Source.URL)
	if err != nil || !strings.EqualFold(u.Scheme, "s3") {
		return nil
	}
	// Virtual-hosted and path-style endpoints are both below this name.
	return []string{fmt.Sprintf("s3.%s.amazonaws.com", cfg.Source.Region)}
}
