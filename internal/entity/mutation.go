// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package entity

import (
	"fmt"

	"github.com/goccy/go-json"
)

// MutationOp is the kind of change a mutation applies.
type MutationOp string

const (
	// OpUpsert creates or replaces the entity payload on the server.
	OpUpsert MutationOp = "upsert"

	// OpDelete tombstones the entity on the server. Deletion goes
	// through the outbox like any other mutation; it is never a
	// local-only operation.
	OpDelete MutationOp = "delete"

	// OpUploadBlob uploads binary content (video file, voice-over
	// audio) and attaches the resulting reference to the entity.
	OpUploadBlob MutationOp = "upload_blob"
)

// Mutation is a pending local change awaiting delivery to the server.
//
// ExpectedVersion is the local version the client believes the server
// should accept; the server re-assigns the authoritative version on accept.
type Mutation struct {
	Op              MutationOp      `json:"op"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`

	// BlobRef names a locally staged blob for OpUploadBlob mutations.
	BlobRef string `json:"blob_ref,omitempty"`
}

// Validate checks the structural invariants of a mutation.
func (m *Mutation) Validate() error {
	switch m.Op {
	case OpUpsert:
		if len(m.Payload) == 0 {
			return fmt.Errorf("upsert mutation requires a payload")
		}
	case OpDelete:
	case OpUploadBlob:
		if m.BlobRef == "" {
			return fmt.Errorf("upload mutation requires a blob ref")
		}
	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}
	if m.ExpectedVersion < 0 {
		return fmt.Errorf("expected version cannot be negative")
	}
	return nil
}
