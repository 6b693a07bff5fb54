package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/dbvault/internal/api"
	"github.com/edvin/dbvault/internal/config"
	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/db"
	"github.com/edvin/dbvault/internal/dispatch"
	"github.com/edvin/dbvault/internal/logging"
	"github.com/edvin/dbvault/internal/metrics"
	"github.com/edvin/dbvault/internal/registry"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/core", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("control-plane"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		version, err := db.RunMigrations(cfg.CoreDatabaseURL, *migrateDirFlag)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Int64("version", version).Msg("database migrated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	corePool, err := db.NewCorePool(ctx, cfg.CoreDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to core database")
	}
	defer corePool.Close()
	metrics.RegisterPgxPoolMetrics(corePool)

	services := core.NewServices(corePool)
	reg := registry.New(func(online int) { metrics.AgentsOnline.Set(float64(online)) })
	observers := registry.NewObservers(logger)
	dispatcher := dispatch.New(services, reg, observers, logger, dispatch.Options{
		TestTimeout:         cfg.DBTestTimeout,
		VerificationTimeout: cfg.VerificationTimeout,
		Google: dispatch.GoogleCredentials{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURI:  cfg.GoogleRedirectURI,
		},
	})
	metrics.RegisterPendingRequests(dispatcher.PendingCount)

	srv := api.NewServer(logger, corePool, services, reg, observers, dispatcher, cfg)

	// Verification requests block until the agent reports, so there is no
	// write timeout. WebSocket connections are hijacked and unaffected.
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.MetricsAddr, func() error { return corePool.Ping(ctx) })
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Bool("tls", cfg.TLSCertFile != "").Msg("starting control plane")
		var err error
		if cfg.TLSCertFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
