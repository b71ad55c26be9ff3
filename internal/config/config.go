// Package config defines configuration structures and loading logic for whitelistd.
// Configuration is read from a YAML file on top of built-in defaults; every
// field has a usable default except the whitelist source URL.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config search path when set.
const EnvConfigPath = "WHITELISTD_CONFIG"

type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Source        SourceConfig        `yaml:"source"`
	DNS           DNSConfig           `yaml:"dns"`
	Firewall      FirewallConfig      `yaml:"firewall"`
	CaptivePortal CaptivePortalConfig `yaml:"captivePortal"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Update        UpdateConfig        `yaml:"update"`
	Lock          LockConfig          `yaml:"lock"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Policy        PolicyConfig        `yaml:"policy"`
	Disruption    DisruptionConfig    `yaml:"disruption"`
}

type AgentConfig struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	StateDir  string `yaml:"stateDir"`
	AuditDir  string `yaml:"auditDir"`
}

// SourceConfig describes where the whitelist document comes from. URL may be
// http(s)://host/path or s3://bucket/key.
type SourceConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	Region      string        `yaml:"region,omitempty"`
	AccessKeyID string        `yaml:"accessKeyId,omitempty"`
	SecretKey   string        `yaml:"secretKey,omitempty"`
}

type DNSConfig struct {
	// Upstreams are used when no upstream servers could be detected on the host.
	Upstreams          []string      `yaml:"upstreams"`
	ListenAddress      string        `yaml:"listenAddress"`
	CacheSize          int           `yaml:"cacheSize"`
	ResolverAddress    string        `yaml:"resolverAddress"`
	ResolverConfigPath string        `yaml:"resolverConfigPath"`
	ResolverUnit       string        `yaml:"resolverUnit"`
	ResolvConfPath     string        `yaml:"resolvConfPath"`
	VerifyDomains      []string      `yaml:"verifyDomains"`
	VerifyTimeout      time.Duration `yaml:"verifyTimeout"`
	RestartTimeout     time.Duration `yaml:"restartTimeout"`
}

type FirewallConfig struct {
	Chain string `yaml:"chain"`
	IPSet string `yaml:"ipset"`
	// ResolverUser restricts direct upstream DNS traffic to the resolver process.
	ResolverUser string   `yaml:"resolverUser"`
	AllowLAN     bool     `yaml:"allowLAN"`
	LANRanges    []string `yaml:"lanRanges"`
	IPv6         bool     `yaml:"ipv6"`
}

type CaptivePortalConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ProbeURL     string        `yaml:"probeURL"`
	ExpectedBody string        `yaml:"expectedBody"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	// Additional captive portal domains to keep resolvable (beyond the built-in list)
	AdditionalDomains []string `yaml:"additionalDomains,omitempty"`
}

type WatchdogConfig struct {
	Interval            time.Duration `yaml:"interval"`
	MaxConsecutiveFails int           `yaml:"maxConsecutiveFails"`
	RestartWait         time.Duration `yaml:"restartWait"`
}

type UpdateConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Jitter delays the first periodic run by a random amount up to this
	// value, so a fleet does not hit the source at the same instant.
	Jitter time.Duration `yaml:"jitter"`
}

type LockConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Listener string `yaml:"listener"`
}

// PolicyConfig lists external policy generators run after every resolver
// regeneration. Each command receives the parsed whitelist as JSON on stdin.
type PolicyConfig struct {
	Commands []string      `yaml:"commands"`
	Timeout  time.Duration `yaml:"timeout"`
}

type DisruptionConfig struct {
	FlushConnections bool     `yaml:"flushConnections"`
	FlushDNSCache    bool     `yaml:"flushDNSCache"`
	CloseBrowsers    bool     `yaml:"closeBrowsers"`
	Browsers         []string `yaml:"browsers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
			StateDir:  "/var/lib/whitelistd",
			AuditDir:  "/var/log/whitelistd",
		},
		Source: SourceConfig{
			Timeout: 30 * time.Second,
		},
		DNS: DNSConfig{
			Upstreams:          []string{"1.1.1.1", "8.8.8.8"},
			ListenAddress:      "127.0.0.1",
			CacheSize:          1000,
			ResolverAddress:    "127.0.0.1:53",
			ResolverConfigPath: "/etc/dnsmasq.d/whitelistd.conf",
			ResolverUnit:       "dnsmasq.service",
			ResolvConfPath:     "/etc/resolv.conf",
			VerifyDomains:      []string{"google.es", "google.com"},
			VerifyTimeout:      2 * time.Second,
			RestartTimeout:     15 * time.Second,
		},
		Firewall: FirewallConfig{
			Chain:        "WHITELIST-OUT",
			IPSet:        "whitelistd",
			ResolverUser: "dnsmasq",
			AllowLAN:     true,
			LANRanges:    []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			IPv6:         true,
		},
		CaptivePortal: CaptivePortalConfig{
			Enabled:      true,
			ProbeURL:     "http://detectportal.firefox.com/success.txt",
			ExpectedBody: "success",
			Interval:     30 * time.Second,
			Timeout:      5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:            time.Minute,
			MaxConsecutiveFails: 3,
			RestartWait:         2 * time.Second,
		},
		Update: UpdateConfig{
			Interval: 5 * time.Minute,
			Jitter:   30 * time.Second,
		},
		Lock: LockConfig{
			Path:    "/run/whitelistd.lock",
			Timeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Timeout: 30 * time.Second,
		},
		Disruption: DisruptionConfig{
			FlushConnections: true,
			FlushDNSCache:    true,
			CloseBrowsers:    false,
			Browsers:         []string{"firefox", "chrome", "chromium"},
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	// If no path specified, try default locations
	if path == "" {
		for _, p := range []string{"./config.yaml", "/etc/whitelistd/config.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// StatePath returns the path of a file inside the agent state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.Agent.StateDir, name)
}
