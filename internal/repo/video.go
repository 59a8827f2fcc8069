// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package repo

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/store"
)

// Video is the metadata for a recorded training session.
type Video struct {
	Title           string `json:"title"`
	Sport           string `json:"sport,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`

	// BlobURL is filled in by the engine after the video file upload
	// completes. Empty while the blob is still staged locally.
	BlobURL string `json:"blob_url,omitempty"`
}

// AnnotationKind distinguishes coach feedback payloads.
type AnnotationKind string

// Annotation kinds from the coaching review tools.
const (
	AnnotationDrawing   AnnotationKind = "drawing"
	AnnotationVoiceOver AnnotationKind = "voice_over"
	AnnotationComment   AnnotationKind = "comment"
)

// Annotation is a piece of coach feedback attached to a video timestamp.
type Annotation struct {
	VideoID   string          `json:"video_id"`
	Kind      AnnotationKind  `json:"kind"`
	AtSeconds float64         `json:"at_seconds"`
	Data      json.RawMessage `json:"data,omitempty"`

	// BlobRef names staged audio for voice-over annotations.
	BlobRef string `json:"blob_ref,omitempty"`
}

// VideoRepository manages video metadata, file uploads, and annotations.
type VideoRepository struct {
	store store.Store
	queue *outbox.Queue
}

// NewVideoRepository creates a VideoRepository.
func NewVideoRepository(st store.Store, q *outbox.Queue) *VideoRepository {
	return &VideoRepository{store: st, queue: q}
}

// Get returns the locally cached video metadata.
func (r *VideoRepository) Get(ctx context.Context, videoID string) (*Video, error) {
	e, err := r.store.Get(ctx, entity.TypeVideo, videoID)
	if err != nil {
		return nil, err
	}
	var v Video
	if err := e.UnmarshalPayload(&v); err != nil {
		return nil, fmt.Errorf("decode video %s: %w", videoID, err)
	}
	return &v, nil
}

// List returns up to limit locally cached videos.
func (r *VideoRepository) List(ctx context.Context, limit int) ([]*Video, error) {
	entities, err := r.store.List(ctx, entity.TypeVideo, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Video, 0, len(entities))
	for _, e := range entities {
		var v Video
		if err := e.UnmarshalPayload(&v); err != nil {
			return nil, fmt.Errorf("decode video %s: %w", e.ID, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// Save writes video metadata locally and queues the push.
func (r *VideoRepository) Save(ctx context.Context, videoID string, v *Video) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode video %s: %w", videoID, err)
	}
	return saveAndEnqueue(ctx, r.store, r.queue, entity.TypeVideo, videoID, payload)
}

// Delete tombstones a video.
func (r *VideoRepository) Delete(ctx context.Context, videoID string) error {
	return deleteAndEnqueue(ctx, r.store, r.queue, entity.TypeVideo, videoID)
}

// StageUpload queues the upload of a staged video file. The blob itself
// stays on disk behind blobRef; the coordinator streams it to the server
// when the entry dispatches, then attaches the resulting URL to the
// metadata and pushes it.
func (r *VideoRepository) StageUpload(ctx context.Context, videoID, blobRef string) error {
	e, err := r.store.Get(ctx, entity.TypeVideo, videoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", videoID, err)
	}

	_, err = r.queue.Enqueue(ctx, entity.TypeVideo, videoID, entity.Mutation{
		Op:              entity.OpUploadBlob,
		BlobRef:         blobRef,
		ExpectedVersion: e.Version,
	})
	if err != nil {
		return fmt.Errorf("enqueue upload %s: %w", videoID, err)
	}
	return nil
}

// AddAnnotation stores a new annotation and queues its push. Annotations
// are immutable once created; edits create new ones.
func (r *VideoRepository) AddAnnotation(ctx context.Context, a *Annotation) (string, error) {
	if a.VideoID == "" {
		return "", fmt.Errorf("annotation requires a video id")
	}
	id := uuid.New().String()
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode annotation: %w", err)
	}
	if err := saveAndEnqueue(ctx, r.store, r.queue, entity.TypeAnnotation, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

// Annotations returns the locally cached annotations for one video.
func (r *VideoRepository) Annotations(ctx context.Context, videoID string) ([]*Annotation, error) {
	entities, err := r.store.List(ctx, entity.TypeAnnotation, 0)
	if err != nil {
		return nil, err
	}
	var out []*Annotation
	for _, e := range entities {
		var a Annotation
		if err := e.UnmarshalPayload(&a); err != nil {
			return nil, fmt.Errorf("decode annotation %s: %w", e.ID, err)
		}
		if a.VideoID == videoID {
			out = append(out, &a)
		}
	}
	return out, nil
}
