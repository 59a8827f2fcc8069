// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/cache"
	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/logging"
)

// PaymentRecord is one charge in a user's history. Payments are read-only
// on the client; they never enter the store or the outbox.
type PaymentRecord struct {
	ChargeID    string    `json:"charge_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	ChargedAt   time.Time `json:"charged_at"`
}

// PaymentPage is one page of payment history.
type PaymentPage struct {
	Records []PaymentRecord `json:"records"`
	Page    int             `json:"page"`
	HasMore bool            `json:"has_more"`
}

// PaymentHistory serves payment pages through the TTL cache. A fetch
// failure falls back to the last cached page, explicitly flagged stale, so
// the billing screen stays populated through a network blip.
type PaymentHistory struct {
	gw    gateway.Gateway
	cache *cache.Manager
}

// NewPaymentHistory creates a PaymentHistory.
func NewPaymentHistory(gw gateway.Gateway, c *cache.Manager) *PaymentHistory {
	return &PaymentHistory{gw: gw, cache: c}
}

// GetPage returns one page of payment history. The stale flag is true when
// the page came from an expired cache entry after a failed re-fetch.
func (h *PaymentHistory) GetPage(ctx context.Context, userID string, page int) (*PaymentPage, bool, error) {
	key := cache.GenerateKey("payment_history", map[string]interface{}{
		"user_id": userID,
		"page":    page,
	})

	if value, ok := h.cache.Get(key); ok {
		return value.(*PaymentPage), false, nil
	}

	fetched, err := h.fetch(ctx, userID, page)
	if err != nil {
		if value, stale, ok := h.cache.GetStale(key); ok && stale {
			logging.Warn().
				Err(err).
				Str("user_id", userID).
				Int("page", page).
				Msg("Payment history fetch failed, serving stale page")
			return value.(*PaymentPage), true, nil
		}
		return nil, false, err
	}

	h.cache.Set(key, fetched)
	return fetched, false, nil
}

func (h *PaymentHistory) fetch(ctx context.Context, userID string, page int) (*PaymentPage, error) {
	snap, err := h.gw.FetchEntity(ctx, entity.TypePayment, fmt.Sprintf("%s:%d", userID, page))
	if err != nil {
		return nil, fmt.Errorf("fetch payment page %d for %s: %w", page, userID, err)
	}
	var p PaymentPage
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payment page: %w", err)
	}
	return &p, nil
}
