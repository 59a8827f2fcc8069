// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for outbox operations
var (
	// outboxEnqueuesTotal counts mutations enqueued (including coalesced).
	outboxEnqueuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_enqueues_total",
		Help: "Total number of mutations enqueued",
	})

	// outboxCoalescedTotal counts edits merged into an existing pending entry.
	outboxCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_coalesced_total",
		Help: "Total number of edits coalesced into a pending entry",
	})

	// outboxDispatchesTotal counts entries claimed for dispatch.
	outboxDispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dispatches_total",
		Help: "Total number of entries claimed for dispatch",
	})

	// outboxSucceededTotal counts acknowledged mutations.
	outboxSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_succeeded_total",
		Help: "Total number of acknowledged mutations",
	})

	// outboxRetriesTotal counts retry schedules after transient failures.
	outboxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_retries_total",
		Help: "Total number of retries scheduled after transient failures",
	})

	// outboxTerminalTotal counts terminally failed mutations.
	outboxTerminalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_terminal_failures_total",
		Help: "Total number of terminally failed mutations",
	})

	// outboxReleasedTotal counts claimed entries returned by cancellation.
	outboxReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_released_total",
		Help: "Total number of in-flight entries released back to ready state",
	})

	// outboxPendingDepth is the current number of pending entries.
	outboxPendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_entries",
		Help: "Current number of pending outbox entries",
	})

	// outboxDispatchLatency measures time from enqueue to acknowledgment.
	outboxDispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_ack_latency_seconds",
		Help:    "Time from enqueue to acknowledgment in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	})
)
