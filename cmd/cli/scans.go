package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/perimetra/perimetra/internal/db"
)

var scansUserID string

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "List scans for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setupLogging(cfg); err != nil {
			return err
		}

		userID, err := uuid.Parse(scansUserID)
		if err != nil {
			return fmt.Errorf("invalid --user-id: %w", err)
		}

		ctx := cmd.Context()
		database, err := db.ConnectWithRetry(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		scans, err := database.ListScans(ctx, userID)
		if err != nil {
			return err
		}
		if len(scans) == 0 {
			fmt.Println("No scans found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Target", "Mode", "Status", "Started", "Finished")
		for _, scan := range scans {
			finished := "-"
			if scan.FinishedAt != nil {
				finished = scan.FinishedAt.Format("2006-01-02 15:04:05")
			}
			_ = table.Append(
				scan.ID.String(),
				scan.Target,
				string(scan.Mode),
				string(scan.Status),
				scan.StartedAt.Format("2006-01-02 15:04:05"),
				finished,
			)
		}
		return table.Render()
	},
}

func init() {
	scansCmd.Flags().StringVar(&scansUserID, "user-id", "", "owner user id (UUID)")
	_ = scansCmd.MarkFlagRequired("user-id")
	rootCmd.AddCommand(scansCmd)
}
