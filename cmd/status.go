package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whitelistd/internal/firewall"
	"whitelistd/internal/store"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show enforcement status",
		Long:  `Display firewall state, enforcement mode, resolver health and the applied configuration.`,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := setup(false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Println("🔍 whitelistd status")
	fmt.Println("====================")

	if os.Geteuid() != 0 {
		fmt.Println("⚠️  Not running as root; firewall state may be unavailable")
	}

	fmt.Println("\n🧱 Firewall:")
	state, err := a.firewall.Status(ctx)
	switch {
	case err != nil:
		fmt.Printf("❌ Unknown: %v\n", err)
	case state == firewall.StateActive:
		fmt.Println("✅ Active")
	default:
		fmt.Println("⚠️  Inactive")
	}

	fmt.Println("\n📋 Enforcement:")
	mode, err := a.store.LoadMode()
	if err != nil {
		fmt.Printf("❌ Mode unreadable: %v\n", err)
	} else {
		fmt.Printf("   Mode: %s\n", mode)
	}
	failCount, err := a.store.LoadFailCount()
	if err != nil {
		fmt.Printf("❌ Failure counter unreadable: %v\n", err)
	} else {
		fmt.Printf("   Watchdog failures: %d/%d\n", failCount, a.cfg.Watchdog.MaxConsecutiveFails)
		if failCount >= a.cfg.Watchdog.MaxConsecutiveFails {
			fmt.Println("❌ Fail-open latched; run 'whitelistd reset-failures' after fixing the resolver")
		}
	}

	fmt.Println("\n🌐 Resolver:")
	if running, err := a.resolver.IsRunning(ctx); err != nil {
		fmt.Printf("❌ %s: %v\n", a.cfg.DNS.ResolverUnit, err)
	} else if running {
		fmt.Printf("✅ %s running\n", a.cfg.DNS.ResolverUnit)
	} else {
		fmt.Printf("❌ %s not running\n", a.cfg.DNS.ResolverUnit)
	}
	if a.verifier.Verify(ctx) {
		fmt.Println("✅ DNS queries are working")
	} else {
		fmt.Println("⚠️  DNS queries are failing")
	}
	if hash, err := a.store.LoadHash(); err == nil {
		fmt.Printf("   Config: %s\n", shortHash(hash))
	}
	if servers, err := a.store.LoadUpstreams(); err == nil {
		fmt.Printf("   Upstreams: %v\n", servers)
	}

	fmt.Println("\n🩺 Health:")
	if h, err := a.store.LoadHealth(); err == nil {
		fmt.Printf("   %s at %s\n", h.Status, h.Timestamp.Local().Format("2006-01-02 15:04:05"))
	} else if errors.Is(err, store.ErrNotFound) {
		fmt.Println("   No watchdog run recorded")
	}

	return nil
}
