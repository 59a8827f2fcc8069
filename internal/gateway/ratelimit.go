// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package gateway

import (
	"context"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/reelcoach/coachsync/internal/entity"
)

// RateLimitedGateway wraps a Gateway with a client-side token bucket so a
// burst of queued mutations after a long offline period does not hammer
// the backend the moment connectivity returns.
//
// Wait blocks until a token is available or the context is done, so the
// per-call timeout set by the coordinator bounds the wait as well.
type RateLimitedGateway struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimitedGateway wraps inner, allowing rps requests per second with
// the given burst.
func NewRateLimitedGateway(inner Gateway, rps float64, burst int) *RateLimitedGateway {
	return &RateLimitedGateway{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (g *RateLimitedGateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return Transient(op, err)
	}
	return nil
}

// Login implements Gateway.
func (g *RateLimitedGateway) Login(ctx context.Context, username, password string) (*Credentials, error) {
	if err := g.wait(ctx, "login"); err != nil {
		return nil, err
	}
	return g.inner.Login(ctx, username, password)
}

// RefreshToken implements Gateway.
func (g *RateLimitedGateway) RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error) {
	if err := g.wait(ctx, "refresh_token"); err != nil {
		return nil, err
	}
	return g.inner.RefreshToken(ctx, refreshToken)
}

// FetchEntity implements Gateway.
func (g *RateLimitedGateway) FetchEntity(ctx context.Context, typ entity.Type, id string) (*entity.Snapshot, error) {
	if err := g.wait(ctx, "fetch_entity"); err != nil {
		return nil, err
	}
	return g.inner.FetchEntity(ctx, typ, id)
}

// PushEntity implements Gateway.
func (g *RateLimitedGateway) PushEntity(ctx context.Context, typ entity.Type, id string, payload json.RawMessage, expectedVersion int64, idempotencyKey string) (*entity.Snapshot, error) {
	if err := g.wait(ctx, "push_entity"); err != nil {
		return nil, err
	}
	return g.inner.PushEntity(ctx, typ, id, payload, expectedVersion, idempotencyKey)
}

// UploadBlob implements Gateway.
func (g *RateLimitedGateway) UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (*BlobRef, error) {
	if err := g.wait(ctx, "upload_blob"); err != nil {
		return nil, err
	}
	return g.inner.UploadBlob(ctx, data, meta)
}
