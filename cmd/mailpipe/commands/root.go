package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwohlman/mailpipe/internal/config"
)

var (
	// Global configuration
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "mailpipe",
		Short: "Mailpipe transactional mail pipeline",
		Long: `A command line tool for running and inspecting the Mailpipe delivery
pipeline: validated outbound sending, queued delivery with atomic claims,
and inbound relay.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
			setupLogging(cfg)
		},
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// GetConfig returns the global configuration.
func GetConfig() *config.Config {
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
