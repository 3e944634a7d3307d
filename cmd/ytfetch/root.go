package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwygoda/ytfetch/internal/config"
)

var (
	cfgFile     string
	service     string
	autoMigrate bool

	rootCmd = &cobra.Command{
		Use:           "ytfetch",
		Short:         "Crash-resilient YouTube video and transcript fetch queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command until it returns or SIGINT/SIGTERM arrives.
func Execute() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $YTFETCH_CONFIG or ~/.config/ytfetch/config.toml)")
	rootCmd.PersistentFlags().StringVar(&service, "service", "", "service to run: videos or transcripts")
	rootCmd.PersistentFlags().BoolVar(&autoMigrate, "auto-migrate", false, "apply postgres migrations on startup")

	rootCmd.AddCommand(
		serveCommand(),
		workerCommand(),
		maintenanceCommand(),
		runCommand(),
		migrateCommand(),
		submitCommand(),
	)
}

// loadConfig resolves the config file and applies the --service override.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("YTFETCH_CONFIG")
	}
	if path == "" {
		path = "~/.config/ytfetch/config.toml"
	}
	if service != "" {
		if err := os.Setenv("YTFETCH_SERVICE", service); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
