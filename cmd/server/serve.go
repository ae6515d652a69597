package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/hris-approvals/api"
	"github.com/warp/hris-approvals/logging"
	"github.com/warp/hris-approvals/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and reminder job",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.Int("port", 0, "HTTP server port")
	flags.Bool("scenarios", false, "expose /api/scenarios demo loaders (wipes data on load)")
	flags.Bool("reminders", true, "run the pending-approval reminder job")
	flags.String("nats-url", "", "NATS server URL for approval events")

	bindFlags(flags, map[string]string{
		"server.port":       "port",
		"server.scenarios":  "scenarios",
		"reminders.enabled": "reminders",
		"nats.url":          "nats-url",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.Component("server")
	logger.Info().Str("version", version).Str("commit", commit).Msg("hris-approvals starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init("hris-approvals", version, cfg.Tracing.Output)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("trace flush failed")
			}
		}()
	}

	b, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn().Err(err).Msg("closing store failed")
		}
	}()

	dir, err := cfg.Org.Directory()
	if err != nil {
		return fmt.Errorf("load org directory: %w", err)
	}

	pub, closePub := connectPublisher(cfg.NATS, logging.Logger)
	defer closePub()

	a := buildApp(cfg, b, dir, pub, logging.Logger)
	a.reminders.Start()
	defer a.reminders.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(a.handler, api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Database.Driver).
			Bool("scenarios", a.handler.Scenarios != nil).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
