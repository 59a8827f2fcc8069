// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/reelcoach/coachsync/internal/coordinator"
	"github.com/reelcoach/coachsync/internal/logging"
)

// CoordinatorService adapts the sync coordinator to suture's Service
// contract: Start on entry, Stop when the supervisor cancels the context.
type CoordinatorService struct {
	Coordinator *coordinator.Coordinator
}

// Serve implements suture.Service.
func (s *CoordinatorService) Serve(ctx context.Context) error {
	if err := s.Coordinator.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	<-ctx.Done()
	if err := s.Coordinator.Stop(); err != nil {
		return fmt.Errorf("stop coordinator: %w", err)
	}
	return ctx.Err()
}

func (s *CoordinatorService) String() string { return "sync-coordinator" }

// HTTPService runs an http.Server under supervision with graceful
// shutdown.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	return ctx.Err()
}

func (s *HTTPService) String() string { return "http-server" }

// BadgerGCService periodically runs Badger's value log garbage collection
// over the shared store/outbox database. Acknowledged outbox entries and
// overwritten entities only reclaim disk space once the value log rewrites.
type BadgerGCService struct {
	DB       *badger.DB
	Interval time.Duration

	// DiscardRatio is the minimum fraction of a value log file that must
	// be discardable for a rewrite. Default: 0.5.
	DiscardRatio float64
}

// Serve implements suture.Service.
func (s *BadgerGCService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval == 0 {
		interval = 10 * time.Minute
	}
	ratio := s.DiscardRatio
	if ratio == 0 {
		ratio = 0.5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Loop while GC finds files worth rewriting.
			for {
				err := s.DB.RunValueLogGC(ratio)
				if err == nil {
					continue
				}
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				logging.Warn().Err(err).Msg("Badger value log GC failed")
				break
			}
		}
	}
}

func (s *BadgerGCService) String() string { return "badger-gc" }
