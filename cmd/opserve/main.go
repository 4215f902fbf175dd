// Package main runs an opserve server hosting a small in-memory notes
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/albertbausili/opserve/pkg/opserve"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("OPSERVE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "opserve:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := opserve.LoadConfig(opserve.EnvPrefix, configPath)
	if err != nil {
		return err
	}
	logger := opserve.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	registry := opserve.NewRegistry(opserve.WithReporter(tel.reporter))
	if err := registerNotes(registry, newNoteStore()); err != nil {
		return fmt.Errorf("register operations: %w", err)
	}

	server, err := opserve.New(cfg, registry, opserve.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if tel.metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics endpoint listening", "addr", tel.metricsServer.Addr)
			if err := tel.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			server.Stop(shutdownCtx),
			tel.shutdown(shutdownCtx),
		)
	})

	err = g.Wait()
	logger.Info("stopped", "error", err)
	return err
}
