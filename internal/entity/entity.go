// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package entity defines the generic synchronized record shared by every
// repository in the data layer: an opaque id, a monotonic version counter
// owned jointly by client and server, and a type-specific JSON payload.
package entity

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Type identifies the kind of record being synchronized. Each type maps to
// one repository on the client and one collection on the server.
type Type string

// Entity types synchronized by the engine.
const (
	TypeProfile     Type = "profile"
	TypeVideo       Type = "video"
	TypeAnnotation  Type = "annotation"
	TypePayment     Type = "payment"
	TypeCoach       Type = "coach"
	TypeChatMessage Type = "chat_message"
)

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeProfile, TypeVideo, TypeAnnotation, TypePayment, TypeCoach, TypeChatMessage:
		return true
	}
	return false
}

// Entity is a generic synchronized record.
//
// Version is incremented by the client on every local edit and re-assigned
// by the server on every accepted write. It never decreases for a given id;
// the store enforces this with StaleWriteError.
type Entity struct {
	// Type is the entity type.
	Type Type `json:"type"`

	// ID is an opaque identifier, globally unique per type.
	ID string `json:"id"`

	// Version is the monotonic version counter.
	Version int64 `json:"version"`

	// Payload holds the type-specific fields as raw JSON.
	Payload json.RawMessage `json:"payload"`

	// LastSyncedAt is the time of the last successful reconciliation
	// with the server. Zero for entities that have never synced.
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`

	// Dirty is true while the entity has unsynced local mutations.
	Dirty bool `json:"dirty"`
}

// Key returns the store key for this entity.
func (e *Entity) Key() string {
	return string(e.Type) + ":" + e.ID
}

// UnmarshalPayload deserializes the payload into the given type.
func (e *Entity) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Validate checks the structural invariants of an entity.
func (e *Entity) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if e.ID == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	if e.Version < 0 {
		return fmt.Errorf("entity version cannot be negative")
	}
	return nil
}

// Snapshot is the server's authoritative view of an entity, as returned by
// NetworkGateway.FetchEntity and PushEntity.
type Snapshot struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`

	// Deleted is true when the server has tombstoned the entity.
	Deleted bool `json:"deleted,omitempty"`
}

// SyncStatus is the caller-visible synchronization state of an entity.
type SyncStatus string

const (
	// StatusSynced means no pending local mutations.
	StatusSynced SyncStatus = "synced"

	// StatusPending means mutations are queued or retrying.
	StatusPending SyncStatus = "pending"

	// StatusFailed means the last mutation failed terminally and
	// requires an explicit retry or discard.
	StatusFailed SyncStatus = "failed"
)
