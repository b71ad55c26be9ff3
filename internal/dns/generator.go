package dns

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"strings"
	"text/template"

	"whitelistd/internal/rules"
)

// ResolverConfig is a rendered dnsmasq configuration. Hash is the hex sha256
// of Content.
type ResolverConfig struct {
	Content string
	Hash    string
}

// GeneratorOptions configures the dnsmasq rendering.
type GeneratorOptions struct {
	ListenAddress string
	CacheSize     int
	// IPSet receives the addresses of every permitted name.
	IPSet string
	// AlwaysAllowed are resolvable whatever the whitelist says: connectivity
	// checks, the whitelist source and the verification domains.
	AlwaysAllowed []string
}

// Generator renders whitelists into dnsmasq configuration. Output depends only
// on its inputs.
type Generator struct {
	opts   GeneratorOptions
	always []string
}

func NewGenerator(opts GeneratorOptions) *Generator {
	return &Generator{opts: opts, always: normalizeList(opts.AlwaysAllowed)}
}

var resolverTemplate = template.Must(template.New("dnsmasq").Parse(`# Generated by whitelistd; local changes are overwritten.
# mode: {{.Mode}}
no-resolv
no-poll
listen-address={{.Listen}}
bind-interfaces
cache-size={{.CacheSize}}
{{- if .Passthrough}}
{{range .Upstreams}}server={{.}}
{{end}}
{{- else}}
domain-needed
bogus-priv

# permitted domains
{{range $d := .Allowed}}{{range $.Upstreams}}server=/{{$d}}/{{.}}
{{end}}{{if $.IPSet}}ipset=/{{$d}}/{{$.IPSet}}
{{end}}{{end}}
# blocked subdomains
{{range .Blocked}}address=/{{.}}/
{{end}}
# everything else
address=/#/
{{- end}}
`))

type templateData struct {
	Mode        string
	Listen      string
	CacheSize   int
	Passthrough bool
	Upstreams   []string
	Allowed     []string
	Blocked     []string
	IPSet       string
}

// Generate renders the enforcing configuration for wl.
func (g *Generator) Generate(wl *rules.Whitelist, upstreams []string) *ResolverConfig {
	allowed := mergeSorted(g.always, wl.AllowedDomains)
	return g.render(templateData{
		Mode:      "enforcing",
		Upstreams: formatUpstreams(upstreams),
		Allowed:   allowed,
		Blocked:   wl.BlockedSubdomains,
		IPSet:     g.opts.IPSet,
	})
}

// Passthrough renders a configuration that forwards every query upstream.
func (g *Generator) Passthrough(upstreams []string) *ResolverConfig {
	return g.render(templateData{
		Mode:        "passthrough",
		Passthrough: true,
		Upstreams:   formatUpstreams(upstreams),
	})
}

func (g *Generator) render(data templateData) *ResolverConfig {
	data.Listen = g.opts.ListenAddress
	data.CacheSize = g.opts.CacheSize

	var buf bytes.Buffer
	// The template is static and the data holds only strings, so Execute
	// cannot fail.
	_ = resolverTemplate.Execute(&buf, data)

	content := buf.String()
	return &ResolverConfig{Content: content, Hash: Hash(content)}
}

// Hash returns the content hash used to detect configuration changes.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// formatUpstreams converts "ip" or "ip:port" into dnsmasq's "ip#port" form.
func formatUpstreams(upstreams []string) []string {
	out := make([]string, 0, len(upstreams))
	seen := map[string]bool{}
	for _, u := range upstreams {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if host, port, err := net.SplitHostPort(u); err == nil {
			if port == "53" {
				u = host
			} else {
				u = host + "#" + port
			}
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func normalizeList(domains []string) []string {
	set := map[string]struct{}{}
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" && net.ParseIP(d) == nil {
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

func mergeSorted(a, b []string) []string {
	return normalizeList(append(append([]string(nil), a...), b...))
}
