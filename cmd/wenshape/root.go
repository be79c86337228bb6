package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/wenshape/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "wenshape",
	Short: "Long-form novel writing assistant server",
	Long: `Wenshape coordinates LLM agents against a file-backed knowledge base
to draft, revise and analyze long-form fiction chapter by chapter.

The server exposes the REST and WebSocket surface; the index and analyze
subcommands run the same pipelines from the command line.`,
}

func init() {
	rootCmd.AddCommand(serveCmd, indexCmd, analyzeCmd)
}

// loadConfig reads configuration and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	var handler slog.Handler
	if cfg.Server.Debug {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}
