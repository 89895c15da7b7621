package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/MikeSquared-Agency/vex/internal/config"
)

var (
	cfgPath   string
	logLevel  string
	colorMode string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "vex",
	Short:         "Triage memory leaks reported by valgrind",
	Long:          `vex parses memcheck leak reports, classifies each leak by its likely cause and walks you through fixing and re-verifying them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		logger = setupLogging(cfg.LogLevel)
		setupColor(colorMode)
		if cfg.File != "" {
			logger.Debug("config file applied", "path", cfg.File)
		}
		return nil
	},
}

func main() {
	rootCmd.Version = Version

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to vex.toml (default: nearest vex.toml above the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "colorize output (auto|on|off)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

// setupLogging writes JSON logs to stderr; stdout belongs to the session.
func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

func setupColor(mode string) {
	switch strings.ToLower(mode) {
	case "on", "always":
		color.NoColor = false
	case "off", "never":
		color.NoColor = true
	default:
		color.NoColor = !isTerminal(os.Stdout)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
