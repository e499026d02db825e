package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/database"
)

var dbStatsCmd = &cobra.Command{
	Use:   "db-stats",
	Short: "Show library database statistics",
	Long:  `Display statistics about the stored library snapshot and sync history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootCmdPersistentFlags.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		db, err := database.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close() //nolint: errcheck

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get database stats: %w", err)
		}

		fmt.Println("Library Statistics:")
		fmt.Printf("Total Items: %d\n", stats.TotalItems)
		for itemType, count := range stats.ItemsByType {
			fmt.Printf("  %s: %d\n", itemType, count)
		}
		fmt.Printf("Updated Last 24h: %d\n", stats.UpdatedLastDay)
		fmt.Printf("Total File Size: %s\n", humanize.Bytes(uint64(max(stats.TotalFileSize, 0))))
		fmt.Printf("Database Size: %s\n", humanize.Bytes(uint64(max(stats.DatabaseSize, 0))))
		fmt.Printf("Disk Use: %.1f%%\n", stats.DiskUsePercent)

		if stats.LastSync != nil {
			fmt.Printf("Last Sync: %s\n", stats.LastSync.Format(time.RFC3339))
		}
		if stats.LastVacuum != nil {
			fmt.Printf("Last Vacuum: %s\n", stats.LastVacuum.Format(time.RFC3339))
		}
		if stats.LastMaintenance != nil {
			fmt.Printf("Last Maintenance: %s\n", stats.LastMaintenance.Format(time.RFC3339))
		}

		run, err := db.LastSyncRun(cmd.Context())
		if err == nil {
			fmt.Println("\nLast Sync Run:")
			fmt.Printf("  Mode: %s, Status: %s, Items: %d, Started: %s\n",
				run.Mode, run.Status, run.ItemsProcessed, run.StartedAt.Format("2006-01-02 15:04:05"))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbStatsCmd)
}
