package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jon4hz/jellynouncer/internal/cache"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/syncer"
)

var resetCmdFlags struct {
	Purge bool
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force a full library sync on the next start",
	Long: `Reset removes the init marker so the next start reconciles the whole
library from scratch, without announcing the existing items. With --purge
the local database is deleted too, dropping the stored snapshot, the sync
history and cached ratings.`,
	Run: reset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetCmdFlags.Purge, "purge", false, "Also delete the local database")

	rootCmd.AddCommand(resetCmd)
}

func reset(cmd *cobra.Command, _ []string) {
	cfg, err := config.Load(rootCmdPersistentFlags.ConfigFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	marker := syncer.MarkerPath(cfg.DataDir)
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		log.Fatalf("failed to remove init marker: %v", err)
	}
	log.Info("Init marker removed, the next start runs a full sync")

	if resetCmdFlags.Purge {
		if err := os.Remove(cfg.Database.Path); err != nil && !os.IsNotExist(err) {
			log.Fatalf("failed to delete database: %v", err)
		}
		log.Info("Database deleted", "path", cfg.Database.Path)

		// A redis backend would keep serving ratings for the deleted snapshot.
		cache.NewServiceCache(cfg.Cache).ClearAll(cmd.Context())
		log.Info("Caches cleared")
	}
}
