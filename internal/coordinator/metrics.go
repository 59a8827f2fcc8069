// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_cycles_total",
		Help: "Total number of sync cycles started (periodic or triggered)",
	})

	syncPullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_pulls_total",
		Help: "Total number of entity pulls from the gateway",
	})

	syncPullFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_pull_failures_total",
		Help: "Total number of failed entity pulls",
	})

	syncResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_resolutions_total",
		Help: "Total number of conflict resolutions by decision",
	}, []string{"decision"})

	syncConflictRepullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_conflict_repulls_total",
		Help: "Total number of re-pulls triggered by push conflicts",
	})

	syncAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_auth_failures_total",
		Help: "Total number of gateway auth failures observed by the sync loop",
	})
)
