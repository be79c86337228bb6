package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotcommander/wenshape/internal/server"
	"github.com/dotcommander/wenshape/internal/storage"
)

// autoPortAttempts bounds the scan when the configured port is taken.
const autoPortAttempts = 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		factory, err := storage.NewFactory(cfg.Storage.DataDir, slog.Default())
		if err != nil {
			return err
		}
		srv := server.New(factory, cfg.Gateway(),
			server.WithDebug(cfg.Server.Debug),
			server.WithLogger(slog.Default()),
			server.WithRateLimit(cfg.Limits.HTTPRequestsPerMinute),
			server.WithResearchRounds(cfg.Limits.MaxResearchRounds),
			server.WithSessionTimeout(cfg.Limits.SessionTimeout),
		)
		handler := srv.Router()

		port := cfg.Server.Port
		for attempt := 0; ; attempt++ {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				if cfg.Server.AutoPort && errors.Is(err, syscall.EADDRINUSE) && attempt < autoPortAttempts {
					port++
					continue
				}
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			slog.Info("server listening", "addr", addr, "data_dir", factory.DataRoot())
			return http.Serve(ln, handler)
		}
	},
}
