package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/dbvault/internal/agent"
	"github.com/edvin/dbvault/internal/config"
	"github.com/edvin/dbvault/internal/logging"
	"github.com/edvin/dbvault/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("backup-agent"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize agent")
	}

	if cfg.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.MetricsAddr, func() error {
			if !a.Connected() {
				return errors.New("not connected to control plane")
			}
			return nil
		})
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	logger.Info().
		Str("agent_id", a.ID()).
		Str("backend", cfg.BackendURL).
		Str("version", cfg.AgentVersion).
		Msg("starting backup agent")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent failed")
	}
	logger.Info().Msg("backup agent stopped")
}
