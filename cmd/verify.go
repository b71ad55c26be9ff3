package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"whitelistd/internal/captive"
	"whitelistd/internal/rules"
)

// NewTestCmd creates the test command
func NewTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Verify that the local resolver answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			for _, domain := range a.cfg.DNS.VerifyDomains {
				res, err := a.verifier.Lookup(ctx, domain)
				if err != nil {
					fmt.Printf("❌ %s: %v\n", domain, err)
					continue
				}
				mark := "❌"
				if res.Resolved() {
					mark = "✅"
				}
				fmt.Printf("%s %s: %s %v (%s)\n", mark, domain, res.Rcode, res.Answers, res.RTT)
			}

			if !a.verifier.Verify(ctx) {
				return errors.New("DNS verification failed")
			}
			fmt.Println("DNS verification passed")
			return nil
		},
	}
}

// NewCheckCmd creates the check command
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <domain>",
		Short: "Check whether a domain is allowed and resolves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(false)
			if err != nil {
				return err
			}
			domain := strings.TrimSuffix(strings.ToLower(args[0]), ".")

			doc, err := a.store.LoadWhitelist()
			if captive.IsDetectionDomain(domain) {
				fmt.Printf("✅ %s is a captive portal detection domain (always allowed)\n", domain)
			} else if isAlwaysAllowed(a.cfg, domain) {
				fmt.Printf("✅ %s is always allowed (verification or whitelist source)\n", domain)
			} else if err != nil {
				fmt.Println("⚠️  No cached whitelist; run 'whitelistd update' first")
			} else if rules.Parse(doc).Allows(domain) {
				fmt.Printf("✅ %s is on the whitelist\n", domain)
			} else {
				fmt.Printf("⛔ %s is not on the whitelist\n", domain)
			}

			res, err := a.verifier.Lookup(cmd.Context(), domain)
			if err != nil {
				return fmt.Errorf("lookup failed: %w", err)
			}
			fmt.Printf("   %s -> %s %v\n", domain, res.Rcode, res.Answers)
			return nil
		},
	}
}
