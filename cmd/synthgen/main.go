package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synthgen/config"
	"synthgen/events"
	"synthgen/generate"
	"synthgen/journal"
	"synthgen/progress"
	"synthgen/renderer"
	"synthgen/status"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "synthgen",
		Short:        "Generate synthetic training images with supervised renderer workers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "config.json", "path to the configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	// A .env next to the binary may carry the integration endpoints.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()

	runs, err := journal.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("Run journal unavailable", zap.Error(err))
	}
	defer runs.Close()

	cache := status.New(cfg.RedisAddr, runID)
	defer cache.Close()

	producer, err := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, runID)
	if err != nil {
		logger.Warn("Progress event stream unavailable", zap.Error(err))
	}
	defer producer.Close()

	var sinks []progress.Sink
	if cache != nil {
		sinks = append(sinks, cache)
	}
	if producer != nil {
		sinks = append(sinks, producer)
	}

	builder := renderer.NewRendererCommand(cfg)
	gen := generate.New(cfg, builder, runID, runs, cache, logger, sinks...)

	logger.Info("Starting generation run",
		zap.String("run_id", gen.RunID()),
		zap.Int("samples", cfg.Samples),
		zap.Int("workers", cfg.Workers),
	)
	return gen.Run(ctx)
}

// newLogger builds the run logger: verbose mode streams everything including
// raw worker output, otherwise only warnings and errors accompany the
// progress bar.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
