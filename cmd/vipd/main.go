package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/lunarhq/vipd/internal/vipd"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "vipd",
	Short:   "vipd - VIP entitlement and vote reward service",
	Long:    `vipd sells VIP tiers through hosted checkout, keeps entitlements in sync with payments and expiry, and tracks vote rewards.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return vipd.Run(cmd.Context(), Version)
	},
	SilenceUsage: true,
}

var sweepThresholdDays int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := vipd.RunSweep(ctx, sweepThresholdDays)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var tiersFile string

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Validate and list the tier catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := tiersFile
		if path == "" {
			path = defaultTiersFile()
		}
		c, err := catalog.Load(path)
		if err != nil {
			return err
		}
		return printTiers(cmd.OutOrStdout(), c.ListTiers())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vipd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepThresholdDays, "threshold-days", 0, "look-ahead in days (default: VIPD_SWEEP_THRESHOLD_DAYS)")
	tiersCmd.Flags().StringVar(&tiersFile, "file", "", "tier catalog path (default: VIPD_TIERS_FILE or $VIPD_DATA_DIR/tiers.yaml)")

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultTiersFile() string {
	if v := os.Getenv("VIPD_TIERS_FILE"); v != "" {
		return v
	}
	dataDir := os.Getenv("VIPD_DATA_DIR")
	if dataDir == "" {
		dataDir = "/data"
	}
	return filepath.Join(dataDir, "tiers.yaml")
}

func printTiers(w io.Writer, tiers []catalog.Tier) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tDAYS\tREWARD")
	for _, t := range tiers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", t.ID, t.Name, t.Price, t.DurationDays, t.RewardCoins)
	}
	return tw.Flush()
}
