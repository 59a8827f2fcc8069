// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package repo contains the thin data-layer repositories the product code
// calls. Each repository follows the same offline-first shape: writes land
// in the local store immediately with the dirty flag set and a mutation
// queued in the outbox; reads come from the local store or, for read-only
// remote data, a TTL cache with an explicit stale fallback.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/store"
)

// Profile is a user's editable profile.
type Profile struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Sport       string `json:"sport,omitempty"`
	SkillLevel  string `json:"skill_level,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

// ProfileRepository reads and writes user profiles through the engine.
type ProfileRepository struct {
	store store.Store
	queue *outbox.Queue
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(st store.Store, q *outbox.Queue) *ProfileRepository {
	return &ProfileRepository{store: st, queue: q}
}

// Get returns the locally cached profile.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*Profile, error) {
	e, err := r.store.Get(ctx, entity.TypeProfile, userID)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := e.UnmarshalPayload(&p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return &p, nil
}

// Save writes the profile locally and queues the push. The local write is
// optimistic: the caller sees the new state immediately, synchronization
// happens in the background.
func (r *ProfileRepository) Save(ctx context.Context, userID string, p *Profile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", userID, err)
	}
	return saveAndEnqueue(ctx, r.store, r.queue, entity.TypeProfile, userID, payload)
}

// Delete removes the profile. Deletion is a mutation like any other: the
// entity stays in the store, dirty, until the server acknowledges the
// tombstone and the coordinator removes it.
func (r *ProfileRepository) Delete(ctx context.Context, userID string) error {
	return deleteAndEnqueue(ctx, r.store, r.queue, entity.TypeProfile, userID)
}

// saveAndEnqueue is the shared optimistic-write path: bump the version, set
// dirty, persist, queue the upsert. Coalescing in the outbox collapses
// rapid consecutive saves into one pending mutation.
func saveAndEnqueue(ctx context.Context, st store.Store, q *outbox.Queue, typ entity.Type, id string, payload json.RawMessage) error {
	var version int64 = 1
	existing, err := st.Get(ctx, typ, id)
	if err == nil {
		version = existing.Version + 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load %s:%s: %w", typ, id, err)
	}

	e := &entity.Entity{
		Type:    typ,
		ID:      id,
		Version: version,
		Payload: payload,
		Dirty:   true,
	}
	if existing != nil {
		e.LastSyncedAt = existing.LastSyncedAt
	}
	if err := st.Put(ctx, e); err != nil {
		return fmt.Errorf("store %s:%s: %w", typ, id, err)
	}

	_, err = q.Enqueue(ctx, typ, id, entity.Mutation{
		Op:              entity.OpUpsert,
		Payload:         payload,
		ExpectedVersion: version,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s:%s: %w", typ, id, err)
	}
	return nil
}

// deleteAndEnqueue marks the entity dirty and queues the tombstone push.
func deleteAndEnqueue(ctx context.Context, st store.Store, q *outbox.Queue, typ entity.Type, id string) error {
	existing, err := st.Get(ctx, typ, id)
	if err != nil {
		return fmt.Errorf("load %s:%s: %w", typ, id, err)
	}

	existing.Version++
	existing.Dirty = true
	if err := st.Put(ctx, existing); err != nil {
		return fmt.Errorf("store %s:%s: %w", typ, id, err)
	}

	_, err = q.Enqueue(ctx, typ, id, entity.Mutation{
		Op:              entity.OpDelete,
		ExpectedVersion: existing.Version,
	})
	if err != nil {
		return fmt.Errorf("enqueue delete %s:%s: %w", typ, id, err)
	}
	return nil
}
