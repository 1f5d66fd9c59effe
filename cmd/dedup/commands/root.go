package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viant/sqlite-dedup/config"
	"github.com/viant/sqlite-dedup/dedup"
	"github.com/viant/sqlite-dedup/internal/logging"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Perceptual image repost detection",
	Long: `dedup fingerprints images posted to a chat and reports earlier
messages carrying the same or a near-identical image.

Without --config the index lives in ./dedup.sqlite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

// loadConfig reads --config, or falls back to the on-disk defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		cfg.Debug = cfg.Debug || debug
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Debug = cfg.Debug || debug
	return cfg, nil
}

// withService opens the service for the duration of fn and closes it after,
// flushing the filter.
func withService(ctx context.Context, fn func(svc *dedup.Service) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := dedup.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	logger.Debug("service opened", zap.String("backend", cfg.Storage.Backend))
	return fn(svc)
}
