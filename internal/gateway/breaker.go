// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/logging"
)

// BreakerGateway wraps a Gateway with a circuit breaker so a degraded
// backend sheds load quickly instead of tying up the worker pool on calls
// that are going to time out anyway.
//
// A rejected call (open circuit) is reported as transient: the outbox keeps
// the mutation queued and backoff naturally spaces out the probes.
type BreakerGateway struct {
	inner Gateway
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	// Name labels the breaker in logs. Default: "sync-gateway".
	Name string

	// MaxRequests allowed through in half-open state. Default: 3.
	MaxRequests uint32

	// Interval resets failure counts in the closed state. Default: 1m.
	Interval time.Duration

	// Timeout before transitioning open -> half-open. Default: 2m.
	Timeout time.Duration

	// MinRequests before the failure ratio is considered. Default: 10.
	MinRequests uint32

	// FailureRatio at which the circuit opens. Default: 0.6.
	FailureRatio float64
}

// DefaultBreakerSettings returns production defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:         "sync-gateway",
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      2 * time.Minute,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// NewBreakerGateway wraps inner with a circuit breaker.
func NewBreakerGateway(inner Gateway, settings BreakerSettings) *BreakerGateway {
	if settings.Name == "" {
		settings.Name = "sync-gateway"
	}
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 3
	}
	if settings.Interval == 0 {
		settings.Interval = time.Minute
	}
	if settings.Timeout == 0 {
		settings.Timeout = 2 * time.Minute
	}
	if settings.MinRequests == 0 {
		settings.MinRequests = 10
	}
	if settings.FailureRatio == 0 {
		settings.FailureRatio = 0.6
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},

		// Terminal client failures are the caller's fault, not the
		// backend's; only transport-level failures count against
		// the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !Retryable(err)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Gateway circuit breaker state change")
		},
	})

	return &BreakerGateway{inner: inner, cb: cb, name: settings.Name}
}

// execute runs fn through the breaker, mapping rejections to transient
// failures so the retry policy keeps the mutation queued.
func (g *BreakerGateway) execute(op string, fn func() (any, error)) (any, error) {
	result, err := g.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Str("op", op).Str("breaker", g.name).Msg("Gateway call rejected by open circuit")
			return nil, Transient(op, err)
		}
		return nil, err
	}
	return result, nil
}

// Login implements Gateway.
func (g *BreakerGateway) Login(ctx context.Context, username, password string) (*Credentials, error) {
	result, err := g.execute("login", func() (any, error) {
		return g.inner.Login(ctx, username, password)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credentials), nil
}

// RefreshToken implements Gateway.
func (g *BreakerGateway) RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error) {
	result, err := g.execute("refresh_token", func() (any, error) {
		return g.inner.RefreshToken(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credentials), nil
}

// FetchEntity implements Gateway.
func (g *BreakerGateway) FetchEntity(ctx context.Context, typ entity.Type, id string) (*entity.Snapshot, error) {
	result, err := g.execute("fetch_entity", func() (any, error) {
		return g.inner.FetchEntity(ctx, typ, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*entity.Snapshot), nil
}

// PushEntity implements Gateway.
func (g *BreakerGateway) PushEntity(ctx context.Context, typ entity.Type, id string, payload json.RawMessage, expectedVersion int64, idempotencyKey string) (*entity.Snapshot, error) {
	result, err := g.execute("push_entity", func() (any, error) {
		return g.inner.PushEntity(ctx, typ, id, payload, expectedVersion, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	return result.(*entity.Snapshot), nil
}

// UploadBlob implements Gateway.
func (g *BreakerGateway) UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (*BlobRef, error) {
	result, err := g.execute("upload_blob", func() (any, error) {
		return g.inner.UploadBlob(ctx, data, meta)
	})
	if err != nil {
		return nil, err
	}
	return result.(*BlobRef), nil
}
