package captive

import (
	"sort"
	"strings"
)

// DetectionDomains are used by operating systems and browsers to detect
// captive portals. They stay resolvable under enforcement so that portal
// detection keeps working.
var DetectionDomains = map[string]bool{
	// Firefox
	"detectportal.firefox.com": true,

	// Chrome / Android
	"connectivitycheck.gstatic.com": true,
	"connectivitycheck.android.com": true,
	"clients3.google.com":           true,
	"www.gstatic.com":               true,

	// Apple
	"captive.apple.com": true,

	// Windows
	"www.msftconnecttest.com": true,
	"www.msftncsi.com":        true,
	"ipv6.msftncsi.com":       true,

	// Ubuntu / GNOME / Debian NetworkManager
	"connectivity-check.ubuntu.com": true,
	"nmcheck.gnome.org":             true,
	"network-test.debian.org":       true,

	// ConnMan
	"ipv4.connman.net": true,
	"ipv6.connman.net": true,

	// Plain HTTP test sites used by portal login flows
	"neverssl.com": true,
}

// IsDetectionDomain checks domain and its parents against the built-in list.
func IsDetectionDomain(domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	for domain != "" {
		if DetectionDomains[domain] {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return false
		}
		domain = domain[i+1:]
	}
	return false
}

// AllowedDomains returns the built-in detection domains plus extra, sorted.
func AllowedDomains(extra []string) []string {
	set := make(map[string]struct{}, len(DetectionDomains)+len(extra))
	for d := range DetectionDomains {
		set[d] = struct{}{}
	}
	for _, d := range extra {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			set[d] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
