package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"codemode-runtime/internal/api"
	"codemode-runtime/internal/config"
	"codemode-runtime/internal/mcpserver"
	"codemode-runtime/internal/store"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// The HTTP store routes are a convenience; the server still runs snippets
	// without them.
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Warn().Err(err).Str("backend", cfg.Store.Backend).Msg("session store unavailable")
		st = nil
	} else {
		defer st.Close()
	}

	server := api.NewServer(cfg, a.runtime, st, a.auditLog(), a.metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", a.runtime.Backend()).
		Str("store", cfg.Store.Backend).
		Bool("db_enabled", a.db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func newMCPCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP on stdin and stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Str("backend", a.runtime.Backend()).Msg("MCP server listening on stdio")
			return mcpserver.New(a.runtime, version).ServeStdio()
		},
	}
}
