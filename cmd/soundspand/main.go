// SPDX-License-Identifier: MIT

// soundspand is the segmented-audio delivery daemon: it builds DASH
// renditions of library tracks on demand, caches them under a byte
// budget, and serves them to players through short-lived sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundspan/soundspan-sub012/internal/api"
	"github.com/soundspan/soundspan-sub012/internal/config"
	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/kv"
	"github.com/soundspan/soundspan-sub012/internal/library"
	"github.com/soundspan/soundspan-sub012/internal/log"
	"github.com/soundspan/soundspan-sub012/internal/session"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "soundspan"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "soundspan"})

	// Shared store is optional; without it the daemon runs with
	// local-only build exclusion and session persistence.
	var shared kv.Store
	if cfg.Redis.Addr != "" {
		store, err := kv.NewRedisStore(kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log.WithComponent("kv"))
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("shared store unreachable, continuing with local-only guarantees")
		} else {
			shared = store
		}
	}

	lib, err := library.OpenSQLite(cfg.LibraryDB)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LibraryDB).Msg("failed to open library database")
	}
	defer func() { _ = lib.Close() }()

	cache, err := dcache.New(dcache.Config{
		Root:         cfg.Cache.Dir,
		BudgetBytes:  cfg.Cache.BudgetBytes,
		TargetRatio:  cfg.Cache.TargetRatio,
		MinRetention: cfg.Cache.MinRetention,
	}, log.WithComponent("dcache"))
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Cache.Dir).Msg("failed to open asset cache")
	}

	runner, err := transcode.NewExecRunner(cfg.FFmpegPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("transcoder binary not found")
	}

	engine := transcode.NewEngine(cache, shared, runner, log.WithComponent("transcode"))
	engine.ProbeCapabilities(ctx)

	svc := session.NewService(session.Config{
		TTL:           cfg.Session.TTL,
		TokenSecret:   cfg.Session.TokenSecret,
		TokenTTL:      cfg.Session.TokenTTL,
		ReadyDeadline: cfg.Session.ReadyDeadline,
	}, lib, engine, cache, shared, log.WithComponent("session"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.NewServer(svc, api.DefaultConfig(), log.WithComponent("api")).Router())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Str("version", version).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	engine.CancelAll()
	logger.Info().Msg("server exiting")
}
