// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package cache provides the in-memory, time-bounded cache for read-mostly
// remote data: coach profiles, payment history pages. Entries are never
// merged, only replaced or expired.
//
// An expired entry is a miss on the normal read path, but it is retained
// until cleanup so GetStale can serve it as an explicitly flagged fallback
// when the re-fetch itself fails. The fallback is opt-in per call site,
// never automatic.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry is a cached value with its expiration bookkeeping.
type Entry struct {
	Data     interface{}
	CachedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// Manager is a thread-safe TTL cache.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	stats struct {
		mu         sync.Mutex
		hits       int64
		misses     int64
		staleReads int64
		evictions  int64
	}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits       int64
	Misses     int64
	StaleReads int64
	Evictions  int64
	Keys       int
}

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ttl_cache_hits_total",
		Help: "Total number of cache hits",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ttl_cache_misses_total",
		Help: "Total number of cache misses (absent or expired)",
	})
	cacheStaleReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ttl_cache_stale_reads_total",
		Help: "Total number of explicit stale fallback reads",
	})
)

// cleanupInterval is how often expired entries are swept. Expired entries
// stay readable via GetStale until the sweep after twice their TTL.
const cleanupInterval = 5 * time.Minute

// New creates a Manager with the given default TTL and starts its
// background cleanup loop. Call Stop when done.
func New(ttl time.Duration) *Manager {
	m := &Manager{
		entries: make(map[string]Entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get retrieves a value by key. An absent or expired entry is a miss; the
// caller re-fetches through the gateway on miss.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	entry, exists := m.entries[key]
	m.mu.RUnlock()

	if !exists || entry.Expired(time.Now()) {
		m.recordMiss()
		return nil, false
	}

	m.recordHit()
	return entry.Data, true
}

// GetStale retrieves a value regardless of expiry, reporting whether the
// value is past its TTL. Call sites use this only after a re-fetch
// failure, to keep a screen populated through a network blip.
func (m *Manager) GetStale(key string) (value interface{}, stale bool, ok bool) {
	m.mu.RLock()
	entry, exists := m.entries[key]
	m.mu.RUnlock()

	if !exists {
		return nil, false, false
	}
	if entry.Expired(time.Now()) {
		m.stats.mu.Lock()
		m.stats.staleReads++
		m.stats.mu.Unlock()
		cacheStaleReadsTotal.Inc()
		return entry.Data, true, true
	}
	return entry.Data, false, true
}

// Set stores a value with the manager's default TTL.
func (m *Manager) Set(key string, value interface{}) {
	m.SetWithTTL(key, value, m.ttl)
}

// SetWithTTL stores a value with a custom TTL, replacing any prior entry.
func (m *Manager) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = Entry{
		Data:     value,
		CachedAt: time.Now(),
		TTL:      ttl,
	}
	m.mu.Unlock()
}

// Delete removes an entry. No-op for missing keys.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Clear removes all entries.
func (m *Manager) Clear() {
	m.mu.Lock()
	evicted := int64(len(m.entries))
	m.entries = make(map[string]Entry)
	m.mu.Unlock()

	m.stats.mu.Lock()
	m.stats.evictions += evicted
	m.stats.mu.Unlock()
}

// GetStats returns a snapshot of cache counters.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	keys := len(m.entries)
	m.mu.RUnlock()

	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return Stats{
		Hits:       m.stats.hits,
		Misses:     m.stats.misses,
		StaleReads: m.stats.staleReads,
		Evictions:  m.stats.evictions,
		Keys:       keys,
	}
}

// Stop terminates the cleanup loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// cleanupLoop periodically removes entries too old to serve even as stale
// fallbacks.
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// cleanup removes entries older than twice their TTL. The grace window is
// what keeps recently expired values available to GetStale.
func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := int64(0)
	for key, entry := range m.entries {
		if now.Sub(entry.CachedAt) > 2*entry.TTL {
			delete(m.entries, key)
			evicted++
		}
	}

	if evicted > 0 {
		m.stats.mu.Lock()
		m.stats.evictions += evicted
		m.stats.mu.Unlock()
	}
}

func (m *Manager) recordHit() {
	m.stats.mu.Lock()
	m.stats.hits++
	m.stats.mu.Unlock()
	cacheHitsTotal.Inc()
}

func (m *Manager) recordMiss() {
	m.stats.mu.Lock()
	m.stats.misses++
	m.stats.mu.Unlock()
	cacheMissesTotal.Inc()
}

// GenerateKey creates a cache key from a method name and its parameters.
func GenerateKey(method string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", method, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", method, hash[:16])
}
