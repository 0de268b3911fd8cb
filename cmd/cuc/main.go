package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/cuc/internal/config"
)

var version = "dev"

var (
	noColor  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "cuc",
	Short:         "Documentation retrieval and correction learning for cloud CLI translation",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		level := logLevel
		if level == "" {
			level = os.Getenv("CUC_LOG_LEVEL")
		}
		setupLogging(level)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")

	rootCmd.AddCommand(indexCmd, searchCmd, contextCmd, enhanceCmd, sourcesCmd, clearCmd)
	rootCmd.AddCommand(learnCmd, suggestCmd, classifyCmd, similarCmd, feedbackCmd, retryCmd, statsCmd, correctionsCmd)
	rootCmd.AddCommand(configCmd, serveCmd, statusCmd)
}

func main() {
	// A missing .env is the common case.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs a text slog handler on stderr. An empty level falls
// back to info.
func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// loadConfig loads the configuration and re-applies log.level unless the
// --log-level flag was given.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if logLevel == "" {
		setupLogging(cfg.Log.Level)
	}
	return cfg, nil
}
