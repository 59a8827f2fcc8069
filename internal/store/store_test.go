// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/reelcoach/coachsync/internal/entity"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenForTesting()
	if err != nil {
		t.Fatalf("OpenForTesting failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntity(id string, version int64, dirty bool) *entity.Entity {
	return &entity.Entity{
		Type:    entity.TypeProfile,
		ID:      id,
		Version: version,
		Payload: []byte(`{"name":"test"}`),
		Dirty:   dirty,
	}
}

func TestBadgerStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testEntity("u1", 1, false)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 || got.ID != "u1" {
		t.Errorf("Got %+v, want id=u1 version=1", got)
	}
}

func TestBadgerStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), entity.TypeProfile, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBadgerStore_StaleWriteRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testEntity("u1", 5, false)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := s.Put(ctx, testEntity("u1", 3, true))
	if err == nil {
		t.Fatal("Expected stale write to be rejected")
	}
	if !IsStaleWrite(err) {
		t.Errorf("Expected StaleWriteError, got %v", err)
	}

	var stale *StaleWriteError
	if errors.As(err, &stale) {
		if stale.StoredVersion != 5 || stale.PutVersion != 3 {
			t.Errorf("StaleWriteError versions wrong: %+v", stale)
		}
	}

	// Stored entity must be unchanged.
	got, err := s.Get(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 5 {
		t.Errorf("Stored version changed to %d after rejected write", got.Version)
	}
}

func TestBadgerStore_EqualVersionAccepted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testEntity("u1", 4, false)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Same version, new dirty flag: accepted (version never decreases,
	// equal is fine - this is how the dirty flag gets set).
	if err := s.Put(ctx, testEntity("u1", 4, true)); err != nil {
		t.Fatalf("Equal-version put rejected: %v", err)
	}

	got, _ := s.Get(ctx, entity.TypeProfile, "u1")
	if !got.Dirty {
		t.Error("Expected dirty flag to be updated")
	}
}

func TestBadgerStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, testEntity("u1", 1, false)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, entity.TypeProfile, "u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, entity.TypeProfile, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := s.Delete(ctx, entity.TypeProfile, "u1"); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}
}

func TestBadgerStore_QueryDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := testEntity(fmt.Sprintf("u%d", i), 1, i%2 == 0)
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// Different type should not appear in the profile query.
	other := &entity.Entity{Type: entity.TypeVideo, ID: "v1", Version: 1, Payload: []byte(`{}`), Dirty: true}
	if err := s.Put(ctx, other); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	dirty, err := s.QueryDirty(ctx, entity.TypeProfile)
	if err != nil {
		t.Fatalf("QueryDirty failed: %v", err)
	}
	if len(dirty) != 3 {
		t.Errorf("Expected 3 dirty profiles, got %d", len(dirty))
	}
	for _, e := range dirty {
		if !e.Dirty {
			t.Errorf("QueryDirty returned clean entity %s", e.ID)
		}
		if e.Type != entity.TypeProfile {
			t.Errorf("QueryDirty returned wrong type %s", e.Type)
		}
	}
}

func TestBadgerStore_ListLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.Put(ctx, testEntity(fmt.Sprintf("u%02d", i), 1, false)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	got, err := s.List(ctx, entity.TypeProfile, 4)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Expected 4 entities, got %d", len(got))
	}
}

func TestBadgerStore_ConcurrentPuts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := testEntity(fmt.Sprintf("u%d", n), 1, false)
			if err := s.Put(ctx, e); err != nil {
				t.Errorf("Concurrent put failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := s.List(ctx, entity.TypeProfile, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 20 {
		t.Errorf("Expected 20 entities, got %d", len(all))
	}
}

func TestBadgerStore_ClosedStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Get(context.Background(), entity.TypeProfile, "u1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}
	if err := s.Put(context.Background(), testEntity("u1", 1, false)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Expected ErrStoreClosed, got %v", err)
	}

	// Double close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("Second close should be nil, got %v", err)
	}
}

func TestBadgerStore_InvalidEntityRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), &entity.Entity{Type: "bogus", ID: "x", Version: 1})
	if err == nil {
		t.Error("Expected invalid entity type to be rejected")
	}
}
