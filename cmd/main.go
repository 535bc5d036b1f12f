package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"laborsync/internal/app"
	"laborsync/internal/config"
	"laborsync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "laborsync",
	Short: "Synchronize labor statistics from an upstream API",
	Long:  `A resumable batch synchronization service for labor statistics with rotating API keys, checkpointing, circuit-breaker-protected storage, and health monitoring.`,
	RunE:  runService,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Upstream flags
	rootCmd.Flags().String("upstream-url", "", "Upstream statistics API base URL")
	rootCmd.Flags().String("api-keys", "", "Comma-separated API keys")
	rootCmd.Flags().Int("daily-limit", 500, "Per-key daily request quota")

	// Sync flags
	rootCmd.Flags().String("series", "", "Comma-separated series identifiers to add to the catalog")
	rootCmd.Flags().Int("batch-size", 50, "Series per batch")
	rootCmd.Flags().Int("retries", 3, "Maximum retry attempts per series")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().String("checkpoint", "./checkpoint.db", "Checkpoint database file")

	// Storage flags
	rootCmd.Flags().String("db", "./laborsync.db", "Series database file")
	rootCmd.Flags().Int("breaker-threshold", 5, "Consecutive storage failures before the breaker opens")
	rootCmd.Flags().Int("breaker-cooldown-ms", 30000, "Breaker cooldown in milliseconds")

	// Health flags
	rootCmd.Flags().Int("check-interval", 60, "Health check interval in seconds")
	rootCmd.Flags().Int("history-size", 100, "Health snapshots retained in memory")

	// Server flags
	rootCmd.Flags().String("listen", ":8080", "HTTP listen address")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runService(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	service, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Run service
	err = service.Run(ctx)

	// Close resources after the server stops
	if closeErr := service.Close(); closeErr != nil {
		log.Error("Error closing service", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
