package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/internal/db"
)

var (
	scanMode   string
	scanUserID string
)

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run one scan pipeline from the command line",
	Long: `Runs a single scan synchronously against the configured workers and
providers, reconciles the results, and prints a summary. Intended for
operators; API clients submit scans over HTTP.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		userID, err := uuid.Parse(scanUserID)
		if err != nil {
			return fmt.Errorf("invalid --user-id: %w", err)
		}
		mode := db.ScanMode(scanMode)
		if mode != db.ScanModeActive && mode != db.ScanModePassive {
			return fmt.Errorf("mode must be active or passive, got %q", scanMode)
		}

		ctx := cmd.Context()
		database, err := db.ConnectWithRetry(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		if err := database.RunMigrations(ctx); err != nil {
			return err
		}

		eng := buildEngine(cfg, database)
		summary, err := eng.Run(ctx, userID, args[0], mode)
		if err != nil {
			return err
		}

		fmt.Printf("Scan %s %s\n", summary.ScanID, summary.Status)
		fmt.Printf("  target:           %s (%s)\n", summary.Target, summary.Mode)
		fmt.Printf("  hosts discovered: %d\n", summary.HostsDiscovered)
		fmt.Printf("  assets:           %d created, %d updated\n",
			summary.Reconciled.AssetsCreated, summary.Reconciled.AssetsUpdated)
		fmt.Printf("  services:         %d created, %d updated\n",
			summary.Reconciled.ServicesCreated, summary.Reconciled.ServicesUpdated)
		fmt.Printf("  vulnerabilities:  %d\n", summary.Vulnerabilities)
		if summary.VulnStageError != "" {
			fmt.Printf("  vuln stage error: %s\n", summary.VulnStageError)
		}
		fmt.Printf("  duration:         %s\n", summary.Duration)
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanMode, "mode", "active", "scan mode (active, passive)")
	scanCmd.Flags().StringVar(&scanUserID, "user-id", "", "owner user id (UUID)")
	_ = scanCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(scanCmd)
}
