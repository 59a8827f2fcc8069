// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/store"
)

func newEngine(t *testing.T) (*Coordinator, *store.BadgerStore, *outbox.Queue, *gateway.Fake) {
	t.Helper()

	st, err := store.OpenForTesting()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := outbox.Open(st.DB(), outbox.Config{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to open outbox: %v", err)
	}

	fake := gateway.NewFake()
	c, err := New(st, q, fake, Config{
		Interval:      time.Hour,
		Workers:       1,
		PullTimeout:   time.Second,
		PushTimeout:   time.Second,
		DrainInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	return c, st, q, fake
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func putEntity(t *testing.T, st store.Store, typ entity.Type, id string, version int64, dirty bool) *entity.Entity {
	t.Helper()
	e := &entity.Entity{
		Type:    typ,
		ID:      id,
		Version: version,
		Payload: []byte(fmt.Sprintf(`{"v":%d}`, version)),
		Dirty:   dirty,
	}
	if !dirty {
		e.LastSyncedAt = time.Now().UTC()
	}
	if err := st.Put(context.Background(), e); err != nil {
		t.Fatalf("Failed to seed entity: %v", err)
	}
	return e
}

func TestSyncEntity_RemoteNewerOverwritesLocal(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	putEntity(t, st, entity.TypeProfile, "u1", 3, true)
	fake.Seed(&entity.Snapshot{
		Type: entity.TypeProfile, ID: "u1", Version: 5,
		Payload: []byte(`{"v":5}`),
	})

	if err := c.SyncEntity(ctx, entity.TypeProfile, "u1"); err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}

	got, err := st.Get(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 5 {
		t.Errorf("Version = %d, want 5", got.Version)
	}
	if got.Dirty {
		t.Error("Entity must be clean after adopting the remote snapshot")
	}
	if string(got.Payload) != `{"v":5}` {
		t.Errorf("Payload = %s, want remote payload", got.Payload)
	}

	pending, _ := q.PendingFor(ctx, entity.TypeProfile, "u1")
	if len(pending) != 0 {
		t.Errorf("Expected no outbox entries, got %d", len(pending))
	}
}

func TestSyncEntity_PullFailureLeavesLocalUntouched(t *testing.T) {
	c, st, _, fake := newEngine(t)
	ctx := context.Background()

	putEntity(t, st, entity.TypeProfile, "u1", 3, true)
	fake.FailNext("fetch_entity", gateway.Transient("fetch_entity", errors.New("connection reset")))

	if err := c.SyncEntity(ctx, entity.TypeProfile, "u1"); err == nil {
		t.Fatal("Expected pull failure to be reported")
	}

	got, err := st.Get(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 3 || !got.Dirty {
		t.Errorf("Local state changed by failed pull: version=%d dirty=%v", got.Version, got.Dirty)
	}
}

func TestSyncEntity_TombstoneDeletesCleanLocal(t *testing.T) {
	c, st, _, fake := newEngine(t)
	ctx := context.Background()

	putEntity(t, st, entity.TypeVideo, "v1", 3, false)
	fake.Seed(&entity.Snapshot{Type: entity.TypeVideo, ID: "v1", Version: 9, Deleted: true})

	if err := c.SyncEntity(ctx, entity.TypeVideo, "v1"); err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}
	if _, err := st.Get(ctx, entity.TypeVideo, "v1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected local entity removed, got %v", err)
	}
}

func TestSyncEntity_MissingRemoteEnqueuesDirtyLocal(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	putEntity(t, st, entity.TypeProfile, "u1", 2, true)

	if err := c.SyncEntity(ctx, entity.TypeProfile, "u1"); err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}

	pending, err := q.PendingFor(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("PendingFor failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 recovered upsert, got %d", len(pending))
	}
	if pending[0].Mutation.Op != entity.OpUpsert {
		t.Errorf("Op = %s, want upsert", pending[0].Mutation.Op)
	}
}

func TestDrain_PushAdoptsServerVersion(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeProfile, "u1", 4, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 4,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, "push to be acknowledged", func() bool {
		got, err := st.Get(ctx, entity.TypeProfile, "u1")
		return err == nil && !got.Dirty && got.Version == 5
	})

	snap := fake.Snapshot(entity.TypeProfile, "u1")
	if snap == nil || snap.Version != 5 {
		t.Fatalf("Server snapshot = %+v, want version 5", snap)
	}

	status, err := c.Status(ctx, entity.TypeProfile, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != entity.StatusSynced {
		t.Errorf("Status = %s, want synced", status)
	}
}

func TestDrain_RetryReusesIdempotencyKey(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.FailNext("push_entity",
		gateway.Transient("push_entity", errors.New("timeout")),
		gateway.Transient("push_entity", errors.New("timeout")),
	)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, "third attempt to succeed", func() bool {
		return fake.Snapshot(entity.TypeVideo, "v1") != nil
	})

	keys := fake.IdempotencyKeys()
	if len(keys) != 3 {
		t.Fatalf("Expected 3 push attempts, got %d", len(keys))
	}
	if keys[0] != keys[1] || keys[1] != keys[2] {
		t.Errorf("Idempotency key changed across retries: %v", keys)
	}
}

func TestDrain_ExhaustedRetriesAreTerminal(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.FailNext("push_entity",
		gateway.Transient("push_entity", errors.New("timeout")),
		gateway.Transient("push_entity", errors.New("timeout")),
		gateway.Transient("push_entity", errors.New("timeout")),
	)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, "entry to fail terminally", func() bool {
		terminal, _ := q.TerminalFor(ctx, entity.TypeVideo, "v1")
		return len(terminal) == 1
	})

	// No fourth attempt.
	if calls := fake.Calls("push_entity"); calls != 3 {
		t.Errorf("Push attempts = %d, want 3", calls)
	}

	got, err := st.Get(ctx, entity.TypeVideo, "v1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Dirty {
		t.Error("Entity must stay dirty after a terminal failure")
	}

	status, _ := c.Status(ctx, entity.TypeVideo, "v1")
	if status != entity.StatusFailed {
		t.Errorf("Status = %s, want failed", status)
	}
}

func TestDrain_ConflictTriggersRepull(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeProfile, "u1", 2, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Server moved ahead while the edit was queued.
	fake.Seed(&entity.Snapshot{
		Type: entity.TypeProfile, ID: "u1", Version: 7,
		Payload: []byte(`{"v":7}`),
	})

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, "conflict to reconcile", func() bool {
		got, err := st.Get(ctx, entity.TypeProfile, "u1")
		if err != nil || got.Dirty || got.Version != 7 {
			return false
		}
		pending, _ := q.PendingFor(ctx, entity.TypeProfile, "u1")
		return len(pending) == 0
	})
}

func TestDrain_AuthFailurePausesUntilTrigger(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	authErrs := make(chan error, 1)
	c.SetOnAuthFailure(func(err error) { authErrs <- err })

	e := putEntity(t, st, entity.TypeProfile, "u1", 1, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.FailNext("push_entity", gateway.Unauthorized("push_entity", errors.New("token expired")))

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	select {
	case err := <-authErrs:
		if !gateway.IsAuth(err) {
			t.Errorf("Observer got %v, want auth error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Auth observer never fired")
	}
	waitFor(t, "dispatch to pause", c.isPaused)

	calls := fake.Calls("push_entity")
	time.Sleep(30 * time.Millisecond)
	if fake.Calls("push_entity") != calls {
		t.Error("Dispatch continued while paused")
	}

	// Host re-authenticated; resume.
	c.TriggerSync()
	waitFor(t, "push after resume", func() bool {
		return fake.Snapshot(entity.TypeProfile, "u1") != nil
	})
}

func TestDispatch_DeleteRemovesLocalAndRemote(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeVideo, "v1", 2, true)
	fake.Seed(&entity.Snapshot{Type: entity.TypeVideo, ID: "v1", Version: 2, Payload: e.Payload})

	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpDelete, ExpectedVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := q.NextReady(time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("NextReady = %v, %v", claimed, err)
	}
	c.dispatch(claimed)

	snap := fake.Snapshot(entity.TypeVideo, "v1")
	if snap == nil || !snap.Deleted {
		t.Fatalf("Server snapshot = %+v, want tombstone", snap)
	}
	if _, err := st.Get(ctx, entity.TypeVideo, "v1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected local entity removed, got %v", err)
	}
}

type fakeBlobSource struct {
	data      map[string][]byte
	discarded []string
}

func (f *fakeBlobSource) Load(ref string) ([]byte, gateway.BlobMetadata, error) {
	data, ok := f.data[ref]
	if !ok {
		return nil, gateway.BlobMetadata{}, fmt.Errorf("no staged blob %q", ref)
	}
	return data, gateway.BlobMetadata{
		EntityType:  entity.TypeVideo,
		EntityID:    "v1",
		ContentType: "video/mp4",
		SizeBytes:   int64(len(data)),
	}, nil
}

func (f *fakeBlobSource) Discard(ref string) error {
	delete(f.data, ref)
	f.discarded = append(f.discarded, ref)
	return nil
}

func TestDispatch_UploadAttachesBlobRef(t *testing.T) {
	c, st, q, fake := newEngine(t)
	ctx := context.Background()

	blobs := &fakeBlobSource{data: map[string][]byte{
		"staged-1": []byte("mp4-bytes"),
	}}
	c.SetBlobSource(blobs)

	putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, entity.TypeVideo, "v1", entity.Mutation{
		Op: entity.OpUploadBlob, BlobRef: "staged-1", ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := q.NextReady(time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("NextReady = %v, %v", claimed, err)
	}
	c.dispatch(claimed)

	if fake.Calls("upload_blob") != 1 {
		t.Fatalf("Upload calls = %d, want 1", fake.Calls("upload_blob"))
	}

	got, err := st.Get(ctx, entity.TypeVideo, "v1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.Contains(string(got.Payload), "blob_url") {
		t.Errorf("Payload missing blob ref: %s", got.Payload)
	}
	if !got.Dirty {
		t.Error("Entity must stay dirty until the metadata push lands")
	}

	// The metadata upsert is queued behind the upload.
	pending, _ := q.PendingFor(ctx, entity.TypeVideo, "v1")
	if len(pending) != 1 || pending[0].Mutation.Op != entity.OpUpsert {
		t.Fatalf("Expected queued metadata upsert, got %+v", pending)
	}

	// The staging copy is removed once the upload is acknowledged.
	if len(blobs.discarded) != 1 || blobs.discarded[0] != "staged-1" {
		t.Errorf("Discarded refs = %v, want [staged-1]", blobs.discarded)
	}
}

func TestDispatch_MissingBlobIsTerminal(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	c.SetBlobSource(&fakeBlobSource{data: map[string][]byte{}})

	putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, entity.TypeVideo, "v1", entity.Mutation{
		Op: entity.OpUploadBlob, BlobRef: "gone", ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, _ := q.NextReady(time.Now().UTC())
	c.dispatch(claimed)

	terminal, _ := q.TerminalFor(ctx, entity.TypeVideo, "v1")
	if len(terminal) != 1 {
		t.Fatalf("Expected terminal entry, got %d", len(terminal))
	}
}

func TestSettleFailure_CancelledDispatchReleasesEntry(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeProfile, "u1", 1, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, _ := q.NextReady(time.Now().UTC())
	c.settleFailure(ctx, claimed, context.Canceled)

	if q.InFlight(entity.TypeProfile, "u1") {
		t.Error("Released entry must not stay in flight")
	}
	pending, _ := q.PendingFor(ctx, entity.TypeProfile, "u1")
	if len(pending) != 1 {
		t.Fatalf("Expected entry back in pending, got %d", len(pending))
	}
	if pending[0].AttemptCount != 0 {
		t.Errorf("Cancellation must not consume an attempt, got %d", pending[0].AttemptCount)
	}
}

func TestStatus_Transitions(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeProfile, "u1", 1, false)

	status, err := c.Status(ctx, entity.TypeProfile, "u1")
	if err != nil || status != entity.StatusSynced {
		t.Fatalf("Status = %s, %v; want synced", status, err)
	}

	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if status, _ = c.Status(ctx, entity.TypeProfile, "u1"); status != entity.StatusPending {
		t.Errorf("Status = %s, want pending", status)
	}

	claimed, _ := q.NextReady(time.Now().UTC())
	if err := q.MarkFailed(ctx, claimed, gateway.Terminal("push_entity", errors.New("rejected"))); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if status, _ = c.Status(ctx, entity.TypeProfile, "u1"); status != entity.StatusFailed {
		t.Errorf("Status = %s, want failed", status)
	}
}

func TestDiscardFailed_ClearsDirtyAndStopsRequeue(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	e := putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, e.Type, e.ID, entity.Mutation{
		Op: entity.OpUpsert, Payload: e.Payload, ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, _ := q.NextReady(time.Now().UTC())
	if err := q.MarkFailed(ctx, claimed, gateway.Terminal("push_entity", errors.New("rejected"))); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	n, err := c.DiscardFailed(ctx, entity.TypeVideo, "v1")
	if err != nil {
		t.Fatalf("DiscardFailed failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Discarded = %d, want 1", n)
	}

	got, err := st.Get(ctx, entity.TypeVideo, "v1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Dirty {
		t.Error("Entity must be clean after discarding its failed mutation")
	}

	// The next cycle must not resurrect the discarded edit.
	if err := c.SyncEntity(ctx, entity.TypeVideo, "v1"); err != nil {
		t.Fatalf("SyncEntity failed: %v", err)
	}
	pending, _ := q.PendingFor(ctx, entity.TypeVideo, "v1")
	if len(pending) != 0 {
		t.Errorf("Discarded mutation re-queued: %+v", pending)
	}
	status, _ := c.Status(ctx, entity.TypeVideo, "v1")
	if status != entity.StatusSynced {
		t.Errorf("Status = %s, want synced", status)
	}
}

func TestDiscardFailed_RemovesStagedBlob(t *testing.T) {
	c, st, q, _ := newEngine(t)
	ctx := context.Background()

	blobs := &fakeBlobSource{data: map[string][]byte{
		"staged-1": []byte("mp4-bytes"),
	}}
	c.SetBlobSource(blobs)

	putEntity(t, st, entity.TypeVideo, "v1", 1, true)
	if _, err := q.Enqueue(ctx, entity.TypeVideo, "v1", entity.Mutation{
		Op: entity.OpUploadBlob, BlobRef: "staged-1", ExpectedVersion: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, _ := q.NextReady(time.Now().UTC())
	if err := q.MarkFailed(ctx, claimed, gateway.Terminal("upload_blob", errors.New("quota exceeded"))); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if _, err := c.DiscardFailed(ctx, entity.TypeVideo, "v1"); err != nil {
		t.Fatalf("DiscardFailed failed: %v", err)
	}
	if len(blobs.discarded) != 1 || blobs.discarded[0] != "staged-1" {
		t.Errorf("Discarded refs = %v, want [staged-1]", blobs.discarded)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.Workers = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected zero workers to be rejected")
	}
}
