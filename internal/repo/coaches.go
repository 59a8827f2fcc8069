// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package repo

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/cache"
	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/logging"
)

// Coach is a public coach profile from the marketplace directory. Coach
// profiles are read-only on the client.
type Coach struct {
	Name            string   `json:"name"`
	Sports          []string `json:"sports,omitempty"`
	Headline        string   `json:"headline,omitempty"`
	RateCentsHour   int64    `json:"rate_cents_hour,omitempty"`
	Rating          float64  `json:"rating,omitempty"`
	ReviewCount     int      `json:"review_count,omitempty"`
	ProfileImageURL string   `json:"profile_image_url,omitempty"`
}

// CoachDirectory serves coach profiles through the TTL cache with the same
// stale-fallback policy as payment history.
type CoachDirectory struct {
	gw    gateway.Gateway
	cache *cache.Manager
}

// NewCoachDirectory creates a CoachDirectory.
func NewCoachDirectory(gw gateway.Gateway, c *cache.Manager) *CoachDirectory {
	return &CoachDirectory{gw: gw, cache: c}
}

// GetCoach returns one coach profile. The stale flag is true when the
// profile came from an expired cache entry after a failed re-fetch.
func (d *CoachDirectory) GetCoach(ctx context.Context, coachID string) (*Coach, bool, error) {
	key := cache.GenerateKey("coach_profile", coachID)

	if value, ok := d.cache.Get(key); ok {
		return value.(*Coach), false, nil
	}

	snap, err := d.gw.FetchEntity(ctx, entity.TypeCoach, coachID)
	if err != nil {
		if value, stale, ok := d.cache.GetStale(key); ok && stale {
			logging.Warn().
				Err(err).
				Str("coach_id", coachID).
				Msg("Coach profile fetch failed, serving stale profile")
			return value.(*Coach), true, nil
		}
		return nil, false, fmt.Errorf("fetch coach %s: %w", coachID, err)
	}

	var coach Coach
	if err := json.Unmarshal(snap.Payload, &coach); err != nil {
		return nil, false, fmt.Errorf("decode coach %s: %w", coachID, err)
	}
	d.cache.Set(key, &coach)
	return &coach, false, nil
}

// Invalidate drops a cached coach profile, forcing the next read to fetch.
func (d *CoachDirectory) Invalidate(coachID string) {
	d.cache.Delete(cache.GenerateKey("coach_profile", coachID))
}
