// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Command syncd is the reference daemon for the sync engine. It wires the
// store, outbox, coordinator, and HTTP surface together the way a platform
// host would, and runs them under a supervisor tree until interrupted.
//
// The daemon uses the in-memory fake gateway as its backend; real
// deployments embed the engine and supply the platform's transport behind
// the Gateway interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/reelcoach/coachsync/internal/api"
	"github.com/reelcoach/coachsync/internal/config"
	"github.com/reelcoach/coachsync/internal/coordinator"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/logging"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/repo"
	"github.com/reelcoach/coachsync/internal/store"
	"github.com/reelcoach/coachsync/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("store_path", cfg.Store.Path).Msg("CoachSync daemon starting")

	st, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	queue, err := outbox.Open(st.DB(), outbox.Config{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffCap:  cfg.Outbox.BackoffCap,
	})
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer queue.Close()

	gw := buildGateway(cfg)

	coord, err := coordinator.New(st, queue, gw, coordinator.Config{
		Interval:      cfg.Sync.Interval,
		Workers:       cfg.Sync.Workers,
		PullTimeout:   cfg.Sync.PullTimeout,
		PushTimeout:   cfg.Sync.PushTimeout,
		DrainInterval: cfg.Sync.DrainInterval,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	stager, err := repo.NewDiskBlobStager(filepath.Join(cfg.Store.Path, "staged-blobs"))
	if err != nil {
		return fmt.Errorf("create blob stager: %w", err)
	}
	coord.SetBlobSource(stager)
	coord.SetOnAuthFailure(func(err error) {
		logging.Warn().Err(err).Msg("Authentication required, sync paused")
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(&supervisor.BadgerGCService{DB: st.DB()})
	tree.AddSyncService(&supervisor.CoordinatorService{Coordinator: coord})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(coord, queue).Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(&supervisor.HTTPService{Server: httpServer})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", httpServer.Addr).
		Msg("CoachSync daemon running")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	logging.Info().Msg("CoachSync daemon stopped")
	return nil
}

// buildGateway assembles the gateway with its client-side protections:
// rate limiter innermost, circuit breaker outermost, so breaker rejections
// never consume limiter tokens.
func buildGateway(cfg *config.Config) gateway.Gateway {
	var gw gateway.Gateway = gateway.NewFake()

	if cfg.Gateway.RateLimit > 0 {
		gw = gateway.NewRateLimitedGateway(gw, cfg.Gateway.RateLimit, cfg.Gateway.RateBurst)
	}
	if cfg.Gateway.BreakerEnabled {
		gw = gateway.NewBreakerGateway(gw, gateway.DefaultBreakerSettings())
	}
	return gw
}
