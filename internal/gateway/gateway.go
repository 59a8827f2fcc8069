// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package gateway defines the contract between the sync engine and the
// remote backend. The engine treats the backend purely as this interface;
// transport, serialization, and credential handling live in the platform
// hosts.
package gateway

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/entity"
)

// Credentials identifies a user session to the backend.
type Credentials struct {
	UserID       string
	AccessToken  string
	RefreshToken string
}

// BlobMetadata describes an uploaded binary (video file, voice-over audio).
type BlobMetadata struct {
	EntityType  entity.Type `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	ContentType string      `json:"content_type"`
	SizeBytes   int64       `json:"size_bytes"`
}

// BlobRef points at server-side blob storage after a successful upload.
type BlobRef struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// Gateway is the remote-call interface the engine drains mutations through
// and pulls snapshots from.
//
// Every method returns either a result, a retryable failure (classified by
// Retryable), or a terminal failure. Implementations must honor context
// cancellation and deadlines; the coordinator applies per-call timeouts.
type Gateway interface {
	// Login authenticates and returns session credentials.
	Login(ctx context.Context, username, password string) (*Credentials, error)

	// RefreshToken exchanges a refresh token for new credentials.
	RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error)

	// FetchEntity returns the server's snapshot of an entity.
	// A missing entity returns ErrRemoteNotFound.
	FetchEntity(ctx context.Context, typ entity.Type, id string) (*entity.Snapshot, error)

	// PushEntity delivers a mutation. The idempotency key is stable
	// across retries of the same mutation, so the server can
	// deduplicate replayed attempts. On accept, the returned snapshot
	// carries the server-assigned version.
	PushEntity(ctx context.Context, typ entity.Type, id string, payload json.RawMessage, expectedVersion int64, idempotencyKey string) (*entity.Snapshot, error)

	// UploadBlob transfers binary content and returns its reference.
	UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (*BlobRef, error)
}
