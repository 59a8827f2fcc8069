// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/entity"
)

// Fake is an in-memory Gateway used by engine tests and the repositories'
// offline development mode. It stores snapshots in a map, assigns versions
// the way the real backend does (accepted write -> version+1), and can be
// scripted to fail specific operations.
type Fake struct {
	mu        sync.Mutex
	snapshots map[string]*entity.Snapshot
	blobs     map[string][]byte

	// failures maps op name to a queue of errors returned before the
	// op starts succeeding again. Push/Fetch consume from the front.
	failures map[string][]error

	// seenIdempotencyKeys records every idempotency key presented to
	// PushEntity, for duplicate-delivery assertions.
	seenIdempotencyKeys []string

	calls map[string]int
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		snapshots: make(map[string]*entity.Snapshot),
		blobs:     make(map[string][]byte),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func snapKey(typ entity.Type, id string) string {
	return string(typ) + ":" + id
}

// Seed installs a server-side snapshot.
func (f *Fake) Seed(snap *entity.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snapKey(snap.Type, snap.ID)] = snap
}

// Snapshot returns the current server-side state of an entity, or nil.
func (f *Fake) Snapshot(typ entity.Type, id string) *entity.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[snapKey(typ, id)]
}

// FailNext queues errors to be returned by the named op, in order, before
// it resumes normal behavior. Op names: login, fetch_entity, push_entity,
// upload_blob, refresh_token.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how many times the named op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// IdempotencyKeys returns every key presented to PushEntity, in order.
func (f *Fake) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seenIdempotencyKeys))
	copy(out, f.seenIdempotencyKeys)
	return out
}

// nextFailure pops a scripted error for op, if any. Caller holds mu.
func (f *Fake) nextFailure(op string) error {
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

// Login implements Gateway.
func (f *Fake) Login(ctx context.Context, username, password string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["login"]++
	if err := f.nextFailure("login"); err != nil {
		return nil, err
	}
	return &Credentials{UserID: username, AccessToken: "fake-token"}, nil
}

// RefreshToken implements Gateway.
func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["refresh_token"]++
	if err := f.nextFailure("refresh_token"); err != nil {
		return nil, err
	}
	return &Credentials{AccessToken: "fake-token-2", RefreshToken: refreshToken}, nil
}

// FetchEntity implements Gateway.
func (f *Fake) FetchEntity(ctx context.Context, typ entity.Type, id string) (*entity.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fetch_entity"]++
	if err := f.nextFailure("fetch_entity"); err != nil {
		return nil, err
	}
	snap, ok := f.snapshots[snapKey(typ, id)]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	cp := *snap
	return &cp, nil
}

// PushEntity implements Gateway. Accepted writes bump the server version to
// expectedVersion+1, mirroring the backend's re-assignment on accept.
func (f *Fake) PushEntity(ctx context.Context, typ entity.Type, id string, payload json.RawMessage, expectedVersion int64, idempotencyKey string) (*entity.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["push_entity"]++
	f.seenIdempotencyKeys = append(f.seenIdempotencyKeys, idempotencyKey)
	if err := f.nextFailure("push_entity"); err != nil {
		return nil, err
	}

	key := snapKey(typ, id)
	if existing, ok := f.snapshots[key]; ok && existing.Version > expectedVersion {
		return nil, &ConflictError{Op: "push_entity", ServerVersion: existing.Version}
	}

	snap := &entity.Snapshot{
		Type:    typ,
		ID:      id,
		Version: expectedVersion + 1,
		Payload: payload,
		Deleted: payload == nil,
	}
	f.snapshots[key] = snap
	cp := *snap
	return &cp, nil
}

// UploadBlob implements Gateway.
func (f *Fake) UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (*BlobRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["upload_blob"]++
	if err := f.nextFailure("upload_blob"); err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("blob://%s/%s/%d", meta.EntityType, meta.EntityID, len(f.blobs))
	f.blobs[ref] = data
	return &BlobRef{URL: ref, SizeBytes: int64(len(data))}, nil
}
