package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/scribe/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scribe",
		Short: "Slack channel backups and canvas news summaries",
		Long: `scribe backs up Slack channel history, summarizes it with an LLM and
keeps a "News" canvas in each channel up to date.

Examples:
  scribe serve
  scribe backup C0123456789 --days 7
  scribe update-canvas general --days 5`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "c", os.Getenv("SCRIBE_CONFIG"), "path to the YAML config file (env SCRIBE_CONFIG)")

	root.AddCommand(
		newServeCmd(),
		newBackupCmd(),
		newUpdateCanvasCmd(),
	)
	return root
}

// loadConfig reads the config named by --config and installs the logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg.LogLevel)
	if missing := cfg.MissingCredentials(); len(missing) > 0 {
		return cfg, fmt.Errorf("missing required credentials: %v", missing)
	}
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
