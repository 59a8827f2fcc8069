// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package outbox

import (
	"math"
	"time"
)

// Backoff calculates the exponential backoff delay for a retry attempt.
// Formula: base * 2^attempt, capped.
//
// With the default base of 1s and cap of 30s: attempt 1 waits 2s,
// attempt 2 waits 4s, attempt 3 waits 8s.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}

	// 2^63 overflows time.Duration long before this; with a 1s base,
	// attempt 31 already exceeds any sane cap.
	if attempt > 30 {
		return cap
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay < 0 || delay > cap {
		return cap
	}
	return delay
}
