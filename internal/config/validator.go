package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SanitizeConfigForLogging returns a sanitized version of the config for logging
func SanitizeConfigForLogging(cfg *Config) map[string]interface{} {
	sanitized := make(map[string]interface{})

	sanitized["log_level"] = cfg.Agent.LogLevel
	sanitized["state_dir"] = cfg.Agent.StateDir
	sanitized["source"] = redactURL(cfg.Source.URL)
	if cfg.Source.AccessKeyID != "" {
		sanitized["source_credentials"] = "[CONFIGURED]"
	}
	sanitized["upstreams"] = cfg.DNS.Upstreams
	sanitized["resolver_unit"] = cfg.DNS.ResolverUnit
	sanitized["resolver_config"] = cfg.DNS.ResolverConfigPath
	sanitized["firewall_chain"] = cfg.Firewall.Chain
	sanitized["captive_portal"] = cfg.CaptivePortal.Enabled
	sanitized["update_interval"] = cfg.Update.Interval.String()
	sanitized["max_consecutive_fails"] = cfg.Watchdog.MaxConsecutiveFails
	if len(cfg.Policy.Commands) > 0 {
		sanitized["policy_commands"] = len(cfg.Policy.Commands)
	}

	return sanitized
}

// redactURL drops userinfo and query parameters, which commonly carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[INVALID]"
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery != "" {
		u.RawQuery = "[REDACTED]"
	}
	return u.String()
}

// ValidateConfig performs basic configuration validation
func ValidateConfig(cfg *Config) error {
	if cfg.Source.URL == "" {
		return fmt.Errorf("no whitelist source URL configured")
	}
	u, err := url.Parse(cfg.Source.URL)
	if err != nil {
		return fmt.Errorf("invalid whitelist source URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("s3 source must be s3://bucket/key")
		}
		if cfg.Source.Region == "" {
			return fmt.Errorf("S3 source configured but region not specified")
		}
	default:
		return fmt.Errorf("unsupported whitelist source scheme %q", u.Scheme)
	}

	if len(cfg.DNS.Upstreams) == 0 {
		return fmt.Errorf("no DNS upstreams configured")
	}
	for _, upstream := range cfg.DNS.Upstreams {
		host := upstream
		if h, _, err := net.SplitHostPort(upstream); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("invalid DNS upstream %q", upstream)
		}
	}

	if len(cfg.DNS.VerifyDomains) == 0 {
		return fmt.Errorf("no DNS verification domains configured")
	}
	if cfg.Agent.StateDir == "" {
		return fmt.Errorf("no state directory configured")
	}
	if cfg.Lock.Path == "" {
		return fmt.Errorf("no lock path configured")
	}
	if cfg.Firewall.Chain == "" || cfg.Firewall.IPSet == "" {
		return fmt.Errorf("firewall chain and ipset names are required")
	}

	for name, d := range map[string]interface{ Seconds() float64 }{
		"update.interval":        cfg.Update.Interval,
		"watchdog.interval":      cfg.Watchdog.Interval,
		"captivePortal.interval": cfg.CaptivePortal.Interval,
		"source.timeout":         cfg.Source.Timeout,
		"lock.timeout":           cfg.Lock.Timeout,
	} {
		if d.Seconds() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.Watchdog.MaxConsecutiveFails < 1 {
		return fmt.Errorf("invalid watchdog.maxConsecutiveFails: %d", cfg.Watchdog.MaxConsecutiveFails)
	}

	for _, r := range cfg.Firewall.LANRanges {
		if _, _, err := net.ParseCIDR(r); err != nil {
			return fmt.Errorf("invalid LAN range %q: %w", r, err)
		}
	}

	return nil
}
