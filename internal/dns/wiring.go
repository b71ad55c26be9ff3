package dns

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"tailscale.com/atomicfile"
	"tailscale.com/net/dns/resolvconffile"
)

// Wiring manages the host's pointer to the local resolver (resolv.conf) and
// discovers the upstream servers the resolver should forward to.
type Wiring struct {
	resolvConf string
	local      netip.Addr
	// upstreamSources are read in order; the first with a non-loopback
	// nameserver wins.
	upstreamSources []string
}

func NewWiring(resolvConfPath string) *Wiring {
	return &Wiring{
		resolvConf: resolvConfPath,
		local:      netip.MustParseAddr("127.0.0.1"),
		upstreamSources: []string{
			"/run/systemd/resolve/resolv.conf",
			"/run/NetworkManager/no-stub-resolv.conf",
			resolvConfPath,
		},
	}
}

// Check reports whether the first nameserver is the local resolver.
func (w *Wiring) Check() (bool, error) {
	c, err := resolvconffile.ParseFile(w.resolvConf)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", w.resolvConf, err)
	}
	return len(c.Nameservers) > 0 && c.Nameservers[0] == w.local, nil
}

// Apply points resolv.conf at the local resolver, keeping search domains.
func (w *Wiring) Apply() error {
	if err := w.write([]string{w.local.String()}); err != nil {
		return err
	}
	logrus.WithField("path", w.resolvConf).Info("Local resolver wiring restored")
	return nil
}

// Restore points resolv.conf back at servers, undoing Apply.
func (w *Wiring) Restore(servers []string) error {
	if len(servers) == 0 {
		return fmt.Errorf("no nameservers to restore")
	}
	if err := w.write(servers); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"path":    w.resolvConf,
		"servers": servers,
	}).Info("Host DNS restored")
	return nil
}

func (w *Wiring) write(nameservers []string) error {
	var buf bytes.Buffer
	buf.WriteString("# Generated by whitelistd\n")
	for _, ns := range nameservers {
		fmt.Fprintf(&buf, "nameserver %s\n", ns)
	}

	if c, err := resolvconffile.ParseFile(w.resolvConf); err == nil && len(c.SearchDomains) > 0 {
		buf.WriteString("search")
		for _, d := range c.SearchDomains {
			buf.WriteString(" " + d.WithoutTrailingDot())
		}
		buf.WriteString("\n")
	}

	if err := atomicfile.WriteFile(w.resolvConf, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", w.resolvConf, err)
	}
	return nil
}

// DetectUpstreams returns the non-loopback nameservers configured on the host.
func (w *Wiring) DetectUpstreams() ([]string, error) {
	for _, path := range w.upstreamSources {
		c, err := resolvconffile.ParseFile(path)
		if err != nil {
			continue
		}
		var servers []string
		for _, ns := range c.Nameservers {
			if ns.IsLoopback() || ns.IsUnspecified() {
				continue
			}
			servers = append(servers, ns.String())
		}
		if len(servers) > 0 {
			logrus.WithFields(logrus.Fields{
				"source":  path,
				"servers": servers,
			}).Debug("Detected upstream DNS servers")
			return servers, nil
		}
	}
	return nil, fmt.Errorf("no upstream DNS servers found")
}

// Watch calls onChange whenever resolv.conf is written or replaced, until
// ctx is done. The parent directory is watched because the file is usually
// replaced rather than edited in place.
func (w *Wiring) Watch(ctx context.Context, onChange func()) error {
	path := w.resolvConf
	if rp, _ := filepath.EvalSymlinks(path); rp != "" {
		path = rp
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logrus.WithField("path", path).Debug("Watching resolver configuration")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				logrus.WithField("op", event.Op.String()).Debug("Resolver configuration changed")
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("Resolver configuration watcher error")
		}
	}
}
