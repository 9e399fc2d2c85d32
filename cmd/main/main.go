package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"airbnb/scraper/internal/config"
	"airbnb/scraper/internal/container"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	workers int
	runID   string
)

var rootCmd = &cobra.Command{
	Use:   "airbnb-scraper",
	Short: "Crawl every Airbnb listing for a location by partitioning the price range",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info("Starting Airbnb scraper...")

		// Load configuration using viper
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if workers > 0 {
			cfg.Crawl.MaxWorkers = workers
		}
		if runID != "" {
			cfg.Run.ID = runID
		}
		setupLogging(cfg.Log)
		log.Info("Configuration loaded successfully")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Initialize container with all dependencies
		app, err := container.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		// Run the application
		if err := app.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Warn("🛑 Interrupted, unfinished tasks stay queued for the next run")
				return nil
			}
			return err
		}

		log.Info("Application finished successfully")
		return nil
	},
}

func setupLogging(cfg config.LogConfig) {
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q, keeping %s", cfg.Level, log.GetLevel())
	}

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default ./config.yaml)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "override crawl.max_workers")
	rootCmd.PersistentFlags().StringVar(&runID, "run-id", "", "override run.id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Application exited with error: %v", err)
	}
}
