// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package cache

import (
	"sync"
	"testing"
	"time"
)

func TestManager_SetGet(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.Set("coach:c1", "profile-data")

	got, ok := m.Get("coach:c1")
	if !ok {
		t.Fatal("Expected hit for fresh entry")
	}
	if got != "profile-data" {
		t.Errorf("Got %v, want profile-data", got)
	}
}

func TestManager_MissOnAbsent(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	if _, ok := m.Get("nope"); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestManager_ExpiryIsMiss(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	// ttl=5m entry read at t+6m is a miss; compressed to milliseconds.
	m.SetWithTTL("history:page1", []int{1, 2, 3}, 50*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if _, ok := m.Get("history:page1"); ok {
		t.Error("Expected expired entry to be a miss")
	}

	stats := m.GetStats()
	if stats.Misses == 0 {
		t.Error("Expected miss counter to increment")
	}
}

func TestManager_GetStaleFallback(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.SetWithTTL("coach:c1", "old-profile", 30*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	// Normal path misses.
	if _, ok := m.Get("coach:c1"); ok {
		t.Fatal("Expected expired entry to miss on normal path")
	}

	// Opt-in stale read still serves the value, flagged stale.
	value, stale, ok := m.GetStale("coach:c1")
	if !ok {
		t.Fatal("Expected stale fallback to find the entry")
	}
	if !stale {
		t.Error("Expected stale flag to be set")
	}
	if value != "old-profile" {
		t.Errorf("Got %v, want old-profile", value)
	}
}

func TestManager_GetStaleFreshEntry(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.Set("k", "v")
	value, stale, ok := m.GetStale("k")
	if !ok || stale {
		t.Errorf("Fresh entry should not be flagged stale: ok=%v stale=%v", ok, stale)
	}
	if value != "v" {
		t.Errorf("Got %v, want v", value)
	}
}

func TestManager_GetStaleAbsent(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	if _, _, ok := m.GetStale("absent"); ok {
		t.Error("GetStale on absent key should report not ok")
	}
}

func TestManager_ReplaceNeverMerge(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.Set("k", map[string]int{"a": 1})
	m.Set("k", map[string]int{"b": 2})

	got, _ := m.Get("k")
	data := got.(map[string]int)
	if _, hasOld := data["a"]; hasOld {
		t.Error("Replacement must not merge with the previous value")
	}
}

func TestManager_CleanupRemovesVeryOldEntries(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.SetWithTTL("old", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	// Past 2x TTL: cleanup drops it, stale fallback no longer applies.
	m.cleanup(time.Now())
	if _, _, ok := m.GetStale("old"); ok {
		t.Error("Expected entry past the stale grace window to be gone")
	}
}

func TestManager_DeleteAndClear(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	m.Set("a", 1)
	m.Set("b", 2)

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Error("Expected deleted key to miss")
	}

	m.Clear()
	if _, ok := m.Get("b"); ok {
		t.Error("Expected cleared cache to miss")
	}
	if stats := m.GetStats(); stats.Keys != 0 {
		t.Errorf("Expected 0 keys after clear, got %d", stats.Keys)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := New(time.Minute)
	defer m.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			m.Set(GenerateKey("get_history", n), n)
		}(i)
		go func(n int) {
			defer wg.Done()
			m.Get(GenerateKey("get_history", n))
		}(i)
	}
	wg.Wait()
}

func TestGenerateKey_Deterministic(t *testing.T) {
	a := GenerateKey("get_history", map[string]int{"page": 1})
	b := GenerateKey("get_history", map[string]int{"page": 1})
	c := GenerateKey("get_history", map[string]int{"page": 2})

	if a != b {
		t.Error("Same params must produce the same key")
	}
	if a == c {
		t.Error("Different params must produce different keys")
	}
}
