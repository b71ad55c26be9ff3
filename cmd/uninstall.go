package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"whitelistd/internal/audit"
	"whitelistd/internal/lock"
)

// UninstallOptions contains options for the uninstall command
type UninstallOptions struct {
	RemoveAll bool
}

// allowedRemovalPrefixes bounds what uninstall --all may delete.
var allowedRemovalPrefixes = []string{
	"/etc/whitelistd",
	"/etc/dnsmasq.d",
	"/var/lib/whitelistd",
	"/var/log/whitelistd",
}

// validatePath rejects relative paths, traversal and anything outside the
// known install locations.
func validatePath(path string, prefixes []string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}

	for _, prefix := range prefixes {
		prefix = filepath.Clean(prefix)
		if cleanPath == prefix || strings.HasPrefix(cleanPath, prefix+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path not in allowed locations: %s", path)
}

// NewUninstallCmd creates the uninstall command
func NewUninstallCmd() *cobra.Command {
	opts := &UninstallOptions{}

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove enforcement from this machine",
		Long: `Tear down whitelist enforcement.

This command will:
- Remove the firewall chain and its jump rule
- Remove the generated resolver configuration and restart the resolver
- Point resolv.conf back at the recorded upstream servers
- Optionally remove all state and logs with --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runUninstall(ctx, a, opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.RemoveAll, "all", false, "Remove all whitelistd state and logs")

	return cmd
}

func runUninstall(ctx context.Context, a *app, opts *UninstallOptions) error {
	fmt.Println("🗑️  whitelistd uninstall")
	fmt.Println("========================")

	release, err := lock.AcquireTimeout(ctx, a.locker, a.cfg.Lock.Timeout)
	if err != nil {
		return err
	}
	defer release()

	fmt.Println("📌 Removing firewall rules...")
	if err := a.firewall.Deactivate(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to remove firewall rules")
	} else {
		fmt.Println("✅ Firewall rules removed")
		audit.LogFirewall(false, "uninstall", "uninstalled by operator")
	}

	fmt.Println("📌 Removing resolver configuration...")
	if err := removeFile(a.cfg.DNS.ResolverConfigPath); err != nil {
		logrus.WithError(err).Warn("Failed to remove resolver configuration")
	} else {
		fmt.Printf("✅ Removed: %s\n", a.cfg.DNS.ResolverConfigPath)
		if err := a.resolver.Restart(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to restart resolver")
		}
	}

	fmt.Println("📌 Restoring host DNS...")
	if err := a.wiring.Restore(a.upstreams()); err != nil {
		logrus.WithError(err).Warn("Failed to restore resolv.conf")
	} else {
		fmt.Println("✅ resolv.conf restored")
	}

	if opts.RemoveAll {
		fmt.Println("\n🗑️  Removing all whitelistd data...")
		for _, dir := range []string{a.cfg.Agent.StateDir, a.cfg.Agent.AuditDir} {
			if err := validatePath(dir, allowedRemovalPrefixes); err != nil {
				logrus.WithError(err).WithField("path", dir).Error("Refusing to remove directory")
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				logrus.WithError(err).Warnf("Failed to remove %s", dir)
				continue
			}
			fmt.Printf("✅ Removed: %s\n", dir)
		}
	}

	fmt.Println("\n✅ whitelistd uninstall complete!")
	if !opts.RemoveAll {
		fmt.Println("\nNote: State and logs were preserved.")
		fmt.Println("Run with --all flag to remove everything.")
	}
	return nil
}

func removeFile(path string) error {
	if err := validatePath(path, allowedRemovalPrefixes); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
