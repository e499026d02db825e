package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jon4hz/jellynouncer/internal/api"
	"github.com/jon4hz/jellynouncer/internal/config"
	"github.com/jon4hz/jellynouncer/internal/database"
	"github.com/jon4hz/jellynouncer/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Jellynouncer server",
	Long:  `Start the webhook ingress and the background sync engine.`,
	Example: `jellynouncer serve --config config.yml
jellynouncer serve -c /path/to/config.yml --log-level debug
`,
	Run: startServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func startServer(cmd *cobra.Command, _ []string) {
	cfg, err := config.Load(rootCmdPersistentFlags.ConfigFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.LogLevel != "" && rootCmdPersistentFlags.LogLevel == "" {
		setLogLevel(cfg.LogLevel)
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := engine.New(cfg, db)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	server := api.New(cfg, eng, log.GetLevel() == log.DebugLevel)

	// Start the engine in a goroutine
	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error("engine error", "error", err)
		}
	}()

	// Start the API server in a goroutine
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Run(ctx); err != nil {
			log.Error("API server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Info("jellynouncer started successfully")
	<-c
	log.Info("shutting down gracefully...")

	cancel()
	<-serverDone
	if err := eng.Close(); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}
