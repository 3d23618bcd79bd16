package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcpx/rcpx/internal/auth"
	"github.com/rcpx/rcpx/internal/broadcast"
	"github.com/rcpx/rcpx/internal/compaction"
	"github.com/rcpx/rcpx/internal/config"
	"github.com/rcpx/rcpx/internal/server"
	"github.com/rcpx/rcpx/internal/storage"
	"github.com/rcpx/rcpx/internal/tlsutil"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	hub := broadcast.NewHub(256, logger)

	store, err := storage.Open(storage.Config{
		DataDir:              cfg.Storage.DataDir,
		SegmentSize:          cfg.Storage.WALSegmentSizeBytes(),
		Fsync:                cfg.Storage.FsyncPolicy.Resolve(),
		MaxMachineVersions:   cfg.Storage.MaxMachineVersions,
		IdempotencyRetention: 24 * time.Hour,
		Logger:               logger,
	}, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	validator, err := auth.NewValidator(cfg.Auth.Required, cfg.Auth.TokenHashes, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid auth configuration")
	}

	compactor := compaction.New(store.Engine, store.WAL, store.Snapshots, compaction.Config{
		EventsThreshold: cfg.Compaction.EventsThreshold,
		SizeThreshold:   cfg.Compaction.SizeThresholdMB * 1024 * 1024,
		MinInterval:     cfg.Compaction.MinInterval(),
	}, logger)

	srvCfg := server.DefaultConfig()
	srvCfg.BindAddr = cfg.Network.BindAddr
	srvCfg.HTTPAddr = cfg.Metrics.BindAddr
	srvCfg.IdleTimeout = cfg.Network.IdleTimeout()
	srvCfg.MaxConnections = cfg.Network.MaxConnections

	if cfg.TLS.Enabled {
		tlsConf, err := tlsutil.ServerConfig(cfg.TLS.CertPath, cfg.TLS.KeyPath, cfg.TLS.ClientCAPath, cfg.TLS.RequireClientCert)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid tls configuration")
		}
		srvCfg.TLS = tlsConf
	}

	srv := server.New(srvCfg, store, hub, compactor, validator, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Serve(gctx)
	})

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:         cfg.Metrics.BindAddr,
			Handler:      server.HTTPRouter(srv, store),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		group.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.BindAddr).Msg("metrics/http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if cfg.Compaction.Enabled {
		stopCompaction := compactor.Start(cfg.Compaction.MinInterval())
		defer stopCompaction()
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Close()
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("rcpxd exited with error")
		os.Exit(1)
	}
}
