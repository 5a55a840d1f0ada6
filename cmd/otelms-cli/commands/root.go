package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"otelms-scraper/lib/scrapers/otelms/settings"
	"otelms-scraper/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	configFile *string
	envFile    *string
	jsonLogs   *bool
)

// loaded in PersistentPreRunE
var (
	cfg settings.Settings
	tel telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "otelms-cli",
	Short: "otelms-cli scrapes reservations out of an otelms hotel instance.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = settings.Load(*configFile, *envFile)
		if err != nil {
			return err
		}

		level, err := cfg.Level()
		if err != nil {
			return err
		}
		telemetry.InitSlog(level, *jsonLogs)
		slog.Debug("settings loaded", "settings", cfg)

		tel, err = telemetry.SetupFromEnv(cmd.Context(), "otelms-cli")
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			slog.Warn("telemetry disabled", "err", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		err := tel.Shutdown(context.WithoutCancel(cmd.Context()))
		if err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	},
}

func init() {
	configFile = rootCmd.PersistentFlags().String("config", settings.DefaultConfigFile, "The json5 settings file, <name>.local.json5 next to it overrides it.")
	envFile = rootCmd.PersistentFlags().String("env", settings.DefaultEnvFile, "The .env file loaded into the environment.")
	jsonLogs = rootCmd.PersistentFlags().Bool("json", false, "Write logs as json.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
