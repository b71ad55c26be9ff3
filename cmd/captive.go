package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCaptiveCmd creates the captive command
func NewCaptiveCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "captive",
		Short: "Run the captive portal detector",
		Long: `Poll the captive portal probe URL and suspend enforcement while a portal
intercepts traffic. With --once, probe a single time and report the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.detector == nil {
					return fmt.Errorf("captive portal detection is disabled in the configuration")
				}
				if once {
					captive := a.prober.Probe(ctx)
					fmt.Printf("Captive portal: %t\n", captive)
					return nil
				}
				return a.detector.Run(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "probe once and exit")
	return cmd
}
