// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package resolver decides between a locally modified and a server-modified
// version of the same entity. Resolution is whole-entity at version
// granularity; no field-level merge is attempted.
package resolver

import (
	"time"

	"github.com/reelcoach/coachsync/internal/entity"
)

// Decision is the outcome of resolving a (local, remote) pair.
type Decision int

const (
	// KeepLocal keeps the local entity and schedules a push of its
	// payload.
	KeepLocal Decision = iota

	// TakeRemote overwrites local state with the remote snapshot and
	// clears the dirty flag.
	TakeRemote

	// NoOp leaves everything untouched.
	NoOp

	// DeleteLocal removes the local entity: the server has tombstoned
	// it and there are no local edits worth preserving.
	DeleteLocal
)

func (d Decision) String() string {
	switch d {
	case KeepLocal:
		return "keep_local"
	case TakeRemote:
		return "take_remote"
	case NoOp:
		return "no_op"
	case DeleteLocal:
		return "delete_local"
	default:
		return "unknown"
	}
}

// Result carries the decision and, for TakeRemote, the merged entity to
// write back to the store.
type Result struct {
	Decision Decision
	Merged   *entity.Entity
}

// Resolve applies the version decision table:
//
//	remote > local            -> TakeRemote (clear dirty, no push)
//	remote < local            -> KeepLocal  (push pending local edits)
//	remote == local, clean    -> NoOp
//	remote == local, dirty    -> KeepLocal  (push; the server
//	                             re-assigns the version on accept)
//
// The equal-version dirty case is deliberately last-local-write-wins: the
// client pushes and lets the server assign the authoritative version. A
// concurrent edit from another device at the same version loses to
// whichever push the server accepts first; the loser's next pull observes
// the higher version and takes remote.
//
// local may be nil (entity never seen locally): the remote snapshot is
// taken as-is.
func Resolve(local *entity.Entity, remote *entity.Snapshot, now time.Time) Result {
	if remote.Deleted {
		return resolveTombstone(local)
	}

	if local == nil {
		return Result{Decision: TakeRemote, Merged: fromSnapshot(remote, now)}
	}

	switch {
	case remote.Version > local.Version:
		return Result{Decision: TakeRemote, Merged: fromSnapshot(remote, now)}

	case remote.Version < local.Version:
		// Local has pending edits the server has not seen.
		return Result{Decision: KeepLocal}

	case local.Dirty:
		// Equal version with local edits: push local.
		return Result{Decision: KeepLocal}

	default:
		return Result{Decision: NoOp}
	}
}

// resolveTombstone handles a server-side delete. Local dirty edits win
// over the tombstone and are pushed as a re-create; clean local copies are
// removed.
func resolveTombstone(local *entity.Entity) Result {
	if local != nil && local.Dirty {
		return Result{Decision: KeepLocal}
	}
	return Result{Decision: DeleteLocal}
}

// fromSnapshot builds the local entity for an accepted remote snapshot.
func fromSnapshot(remote *entity.Snapshot, now time.Time) *entity.Entity {
	return &entity.Entity{
		Type:         remote.Type,
		ID:           remote.ID,
		Version:      remote.Version,
		Payload:      remote.Payload,
		LastSyncedAt: now,
		Dirty:        false,
	}
}
