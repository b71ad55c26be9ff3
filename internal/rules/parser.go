package rules

import (
	"bufio"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/utils"
)

// Whitelist is the parsed form of a whitelist document. Slices are sorted and
// free of duplicates; a Whitelist is never modified after Parse returns it.
type Whitelist struct {
	AllowedDomains    []string `json:"allowed_domains"`
	BlockedSubdomains []string `json:"blocked_subdomains"`
	BlockedPaths      []string `json:"blocked_paths"`
	// EmergencyDisabled is set when the document opens with the disable marker.
	EmergencyDisabled bool `json:"emergency_disabled"`
}

type section int

const (
	sectionWhitelist section = iota
	sectionBlockedSubdomains
	sectionBlockedPaths
	sectionUnknown
)

var (
	sectionMarker = regexp.MustCompile(`^##\s*([A-Za-z][A-Za-z0-9_-]*)\s*$`)
	disableMarker = regexp.MustCompile(`(?i)^#?\s*(DESACTIVADO|DISABLED)\s*$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9_]([a-z0-9_-]*[a-z0-9])?\.)+[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

var sectionNames = map[string]section{
	"WHITELIST":          sectionWhitelist,
	"BLOCKED-SUBDOMAINS": sectionBlockedSubdomains,
	"BLOCKED-PATHS":      sectionBlockedPaths,
}

// Parse never fails: malformed entries and unknown sections are skipped.
func Parse(doc string) *Whitelist {
	allowed := map[string]struct{}{}
	blockedSubs := map[string]struct{}{}
	blockedPaths := map[string]struct{}{}

	wl := &Whitelist{}
	current := sectionWhitelist
	decided := false
	dropped := 0

	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// The first marker or content line decides the emergency switch.
		if !decided && disableMarker.MatchString(line) {
			wl.EmergencyDisabled = true
			decided = true
			continue
		}

		if m := sectionMarker.FindStringSubmatch(line); m != nil {
			if s, ok := sectionNames[strings.ToUpper(m[1])]; ok {
				current = s
			} else {
				current = sectionUnknown
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		decided = true

		// Inline comments
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		switch current {
		case sectionWhitelist:
			if d, ok := normalizeDomain(line); ok {
				allowed[d] = struct{}{}
			} else {
				dropped++
			}
		case sectionBlockedSubdomains:
			if d, ok := normalizeDomain(line); ok {
				blockedSubs[d] = struct{}{}
			} else {
				dropped++
			}
		case sectionBlockedPaths:
			if p, ok := normalizePath(line); ok {
				blockedPaths[p] = struct{}{}
			} else {
				dropped++
			}
		}
	}

	wl.AllowedDomains = sortedKeys(allowed)
	wl.BlockedSubdomains = sortedKeys(blockedSubs)
	wl.BlockedPaths = sortedKeys(blockedPaths)

	if dropped > 0 {
		logrus.WithField("dropped", dropped).Debug("Ignored malformed whitelist entries")
	}

	return wl
}

// normalizeDomain lower-cases a domain and strips wildcard prefixes, trailing
// dots and a URL scheme. It reports false for anything that is not a
// syntactically valid multi-label host name.
func normalizeDomain(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "*.")
	s = strings.TrimPrefix(s, ".")
	s = strings.TrimSuffix(s, ".")

	if s == "" || !domainPattern.MatchString(s) {
		return "", false
	}
	if err := utils.ValidateDomainLength(s); err != nil {
		return "", false
	}
	return s, true
}

// normalizePath accepts "host/path" entries, with or without a scheme.
func normalizePath(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if s == "" || strings.ContainsAny(s, " \t") {
		return "", false
	}
	host := s
	if i := strings.Index(s, "/"); i >= 0 {
		host = s[:i]
	}
	if _, ok := normalizeDomain(host); !ok {
		return "", false
	}
	return strings.ToLower(host) + s[len(host):], true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether domain or one of its parents is whitelisted and no
// blocked subdomain covers it.
func (w *Whitelist) Allows(domain string) bool {
	d, ok := normalizeDomain(domain)
	if !ok {
		return false
	}
	if matchSuffix(w.BlockedSubdomains, d) {
		return false
	}
	return matchSuffix(w.AllowedDomains, d)
}

func matchSuffix(sorted []string, d string) bool {
	for {
		i := sort.SearchStrings(sorted, d)
		if i < len(sorted) && sorted[i] == d {
			return true
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			return false
		}
		d = d[dot+1:]
	}
}
