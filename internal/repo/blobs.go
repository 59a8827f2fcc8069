// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package repo

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/reelcoach/coachsync/internal/gateway"
)

// DiskBlobStager stages large binaries (video files, voice-over audio) on
// local disk until their upload mutations dispatch. Each staged blob is a
// data file plus a JSON sidecar carrying its metadata, so staged uploads
// survive restarts along with the outbox entries that reference them.
type DiskBlobStager struct {
	dir string
}

// NewDiskBlobStager creates a stager rooted at dir, creating it if needed.
func NewDiskBlobStager(dir string) (*DiskBlobStager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob staging dir: %w", err)
	}
	return &DiskBlobStager{dir: dir}, nil
}

// Stage writes the blob and its metadata to disk and returns the ref to
// put on the upload mutation.
func (s *DiskBlobStager) Stage(data []byte, meta gateway.BlobMetadata) (string, error) {
	ref := uuid.New().String()

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode blob metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(ref), metaBytes, 0o600); err != nil {
		return "", fmt.Errorf("stage blob metadata: %w", err)
	}
	if err := os.WriteFile(s.dataPath(ref), data, 0o600); err != nil {
		return "", fmt.Errorf("stage blob data: %w", err)
	}
	return ref, nil
}

// Load implements coordinator.BlobSource.
func (s *DiskBlobStager) Load(ref string) ([]byte, gateway.BlobMetadata, error) {
	var meta gateway.BlobMetadata
	metaBytes, err := os.ReadFile(s.metaPath(ref))
	if err != nil {
		return nil, meta, fmt.Errorf("read staged metadata %q: %w", ref, err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, meta, fmt.Errorf("decode staged metadata %q: %w", ref, err)
	}

	data, err := os.ReadFile(s.dataPath(ref))
	if err != nil {
		return nil, meta, fmt.Errorf("read staged blob %q: %w", ref, err)
	}
	return data, meta, nil
}

// Discard removes a staged blob after its upload succeeds or is abandoned.
func (s *DiskBlobStager) Discard(ref string) error {
	if err := os.Remove(s.dataPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged blob %q: %w", ref, err)
	}
	if err := os.Remove(s.metaPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged metadata %q: %w", ref, err)
	}
	return nil
}

func (s *DiskBlobStager) dataPath(ref string) string {
	return filepath.Join(s.dir, ref+".blob")
}

func (s *DiskBlobStager) metaPath(ref string) string {
	return filepath.Join(s.dir, ref+".json")
}
