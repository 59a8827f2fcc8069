// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package coordinator drives the pull-then-reconcile-then-push cycle. It
// owns the periodic sync loop, the bounded worker pool that drains the
// outbox, and the per-entity reconciliation against the gateway.
//
// Each entity moves through a small state machine: idle, pull pending,
// reconciling, push pending, dispatched. At most one network operation is
// in flight per entity id: pulls skip entities whose key has a dispatched
// outbox entry, and the outbox itself enforces single-flight on the push
// side. Failures are isolated per entity; one bad record never stalls the
// cycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/logging"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/resolver"
	"github.com/reelcoach/coachsync/internal/store"
)

// State is the sync position of one entity.
type State string

// Entity sync states.
const (
	StateIdle        State = "idle"
	StatePullPending State = "pull_pending"
	StateReconciling State = "reconciling"
	StatePushPending State = "push_pending"
	StateDispatched  State = "dispatched"
)

// BlobSource supplies locally staged binary content for upload mutations.
// The repositories stage video files and voice-over audio on disk and hand
// the engine an opaque ref; the coordinator loads the bytes at dispatch
// time so large blobs never sit in the outbox, and discards the staging
// copy once the upload is acknowledged.
type BlobSource interface {
	Load(ref string) ([]byte, gateway.BlobMetadata, error)
	Discard(ref string) error
}

// AuthFailureFunc observes gateway auth failures. The host uses it to
// trigger re-authentication; dispatch stays paused until the next
// TriggerSync.
type AuthFailureFunc func(err error)

// Config holds coordinator configuration.
type Config struct {
	// Interval between periodic sync cycles. Default: 5m.
	Interval time.Duration

	// Workers is the size of the dispatch pool. Default: 4.
	Workers int

	// PullTimeout bounds a single FetchEntity call. Default: 10s.
	PullTimeout time.Duration

	// PushTimeout bounds a single PushEntity or UploadBlob call.
	// Default: 30s.
	PushTimeout time.Duration

	// DrainInterval is how long an idle worker waits before polling the
	// outbox again. Default: 250ms.
	DrainInterval time.Duration
}

// DefaultConfig returns the reference coordinator settings.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		Workers:       4,
		PullTimeout:   10 * time.Second,
		PushTimeout:   30 * time.Second,
		DrainInterval: 250 * time.Millisecond,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("coordinator config: Interval must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("coordinator config: Workers must be at least 1")
	}
	if c.PullTimeout <= 0 || c.PushTimeout <= 0 {
		return fmt.Errorf("coordinator config: timeouts must be positive")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("coordinator config: DrainInterval must be positive")
	}
	return nil
}

// maxReconcilePasses bounds the re-pull loop a stale write or push
// conflict can trigger before the cycle gives up until the next tick.
const maxReconcilePasses = 3

// Coordinator orchestrates synchronization between the local store, the
// outbox, and the gateway.
type Coordinator struct {
	store  store.Store
	queue  *outbox.Queue
	gw     gateway.Gateway
	config Config

	blobs  BlobSource
	onAuth AuthFailureFunc

	mu         sync.Mutex
	running    bool
	paused     bool
	stopCh     chan struct{}
	trigger    chan struct{}
	sessionCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	statesMu sync.Mutex
	states   map[string]State
}

// New creates a Coordinator. The queue must share the store's database so
// an edit and its mutation commit together.
func New(st store.Store, q *outbox.Queue, gw gateway.Gateway, cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		store:   st,
		queue:   q,
		gw:      gw,
		config:  cfg,
		trigger: make(chan struct{}, 1),
		states:  make(map[string]State),
	}, nil
}

// SetBlobSource registers the staged-blob loader. Upload mutations fail
// terminally without one.
func (c *Coordinator) SetBlobSource(src BlobSource) {
	c.mu.Lock()
	c.blobs = src
	c.mu.Unlock()
}

// SetOnAuthFailure registers the auth-failure observer.
func (c *Coordinator) SetOnAuthFailure(fn AuthFailureFunc) {
	c.mu.Lock()
	c.onAuth = fn
	c.mu.Unlock()
}

// Start launches the periodic loop and the worker pool.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator already running")
	}

	c.running = true
	c.paused = false
	c.stopCh = make(chan struct{})
	c.sessionCtx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run()
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	logging.Info().
		Dur("interval", c.config.Interval).
		Int("workers", c.config.Workers).
		Msg("Sync coordinator started")
	return nil
}

// Stop cancels outstanding gateway calls and waits for the loop and
// workers to exit.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("Sync coordinator stopped")
	return nil
}

// TriggerSync requests an immediate sync cycle: pull-to-refresh, login,
// app foreground. It also resumes dispatch after an auth failure, on the
// assumption the host re-authenticated before asking for a sync.
func (c *Coordinator) TriggerSync() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()

	select {
	case c.trigger <- struct{}{}:
	default:
		// A cycle request is already queued.
	}
}

// CancelSession aborts outstanding gateway calls for the current session.
// Claimed outbox entries are released by their workers with an immediate
// retry time, so nothing is stranded in flight. A fresh session context is
// installed for the next login.
func (c *Coordinator) CancelSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.sessionCtx, c.cancel = context.WithCancel(context.Background())
	logging.Info().Msg("Sync session cancelled")
}

func (c *Coordinator) session() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionCtx == nil {
		return context.Background()
	}
	return c.sessionCtx
}

func (c *Coordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Coordinator) setState(typ entity.Type, id string, s State) {
	c.statesMu.Lock()
	if s == StateIdle {
		delete(c.states, string(typ)+":"+id)
	} else {
		c.states[string(typ)+":"+id] = s
	}
	c.statesMu.Unlock()
}

// EntityState returns the current sync state of an entity.
func (c *Coordinator) EntityState(typ entity.Type, id string) State {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	if s, ok := c.states[string(typ)+":"+id]; ok {
		return s
	}
	return StateIdle
}

// run is the periodic loop.
func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.syncCycle()
		case <-c.trigger:
			c.syncCycle()
		}
	}
}

// syncCycle reconciles every locally known entity. Per-entity errors are
// logged and skipped.
func (c *Coordinator) syncCycle() {
	syncCyclesTotal.Inc()
	ctx := c.session()

	types := []entity.Type{
		entity.TypeProfile,
		entity.TypeVideo,
		entity.TypeAnnotation,
		entity.TypePayment,
		entity.TypeCoach,
		entity.TypeChatMessage,
	}
	for _, typ := range types {
		entities, err := c.store.List(ctx, typ, 0)
		if err != nil {
			logging.Warn().Err(err).Str("entity_type", string(typ)).Msg("Sync cycle failed to list entities")
			continue
		}
		for _, e := range entities {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if err := c.SyncEntity(ctx, e.Type, e.ID); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warn().
					Err(err).
					Str("entity_type", string(e.Type)).
					Str("entity_id", e.ID).
					Msg("Entity sync failed, continuing cycle")
			}
		}
	}
}

// SyncEntity pulls the server snapshot for one entity, resolves it against
// local state, and applies the decision. A pull failure leaves local state
// untouched. Entities with a dispatched outbox entry are skipped; the push
// in progress settles the state first.
func (c *Coordinator) SyncEntity(ctx context.Context, typ entity.Type, id string) error {
	if c.queue.InFlight(typ, id) {
		return nil
	}

	for pass := 0; pass < maxReconcilePasses; pass++ {
		c.setState(typ, id, StatePullPending)

		pullCtx, cancel := context.WithTimeout(ctx, c.config.PullTimeout)
		remote, err := c.gw.FetchEntity(pullCtx, typ, id)
		cancel()
		syncPullsTotal.Inc()

		if errors.Is(err, gateway.ErrRemoteNotFound) {
			c.setState(typ, id, StateIdle)
			return c.reconcileMissing(ctx, typ, id)
		}
		if err != nil {
			syncPullFailuresTotal.Inc()
			c.setState(typ, id, StateIdle)
			if gateway.IsAuth(err) {
				c.handleAuthFailure(err)
			}
			return fmt.Errorf("pull %s:%s: %w", typ, id, err)
		}

		c.setState(typ, id, StateReconciling)
		retry, err := c.applySnapshot(ctx, typ, id, remote)
		if err != nil {
			c.setState(typ, id, StateIdle)
			return err
		}
		if !retry {
			return nil
		}
		// Stale write: a local edit landed between pull and apply.
		// Pull again and resolve against the newer local state.
	}
	c.setState(typ, id, StateIdle)
	return fmt.Errorf("reconcile %s:%s: gave up after %d passes", typ, id, maxReconcilePasses)
}

// applySnapshot resolves one snapshot against local state and applies the
// decision. The returned bool requests another pull pass.
func (c *Coordinator) applySnapshot(ctx context.Context, typ entity.Type, id string, remote *entity.Snapshot) (bool, error) {
	local, err := c.store.Get(ctx, typ, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("load local %s:%s: %w", typ, id, err)
	}

	res := resolver.Resolve(local, remote, time.Now().UTC())
	syncResolutionsTotal.WithLabelValues(res.Decision.String()).Inc()

	switch res.Decision {
	case resolver.TakeRemote:
		if err := c.store.Put(ctx, res.Merged); err != nil {
			if store.IsStaleWrite(err) {
				return true, nil
			}
			return false, fmt.Errorf("adopt remote %s:%s: %w", typ, id, err)
		}
		// Anything still queued for this key was written against the
		// superseded local version; the adopted snapshot replaces it.
		if err := c.queue.DropKey(ctx, typ, id); err != nil {
			return false, fmt.Errorf("drop superseded mutations %s:%s: %w", typ, id, err)
		}
		c.setState(typ, id, StateIdle)

	case resolver.KeepLocal:
		if err := c.ensureEnqueued(ctx, local); err != nil {
			return false, err
		}
		c.setState(typ, id, StatePushPending)

	case resolver.DeleteLocal:
		if err := c.store.Delete(ctx, typ, id); err != nil {
			return false, fmt.Errorf("delete local %s:%s: %w", typ, id, err)
		}
		if err := c.queue.DropKey(ctx, typ, id); err != nil {
			return false, fmt.Errorf("drop deleted key %s:%s: %w", typ, id, err)
		}
		c.setState(typ, id, StateIdle)

	case resolver.NoOp:
		c.setState(typ, id, StateIdle)
	}
	return false, nil
}

// reconcileMissing handles a pull that found no server-side record. Dirty
// local entities are pushed as creates. Clean entities that synced before
// were deleted server-side without a tombstone; they are removed. Clean
// entities that never synced are left alone.
func (c *Coordinator) reconcileMissing(ctx context.Context, typ entity.Type, id string) error {
	local, err := c.store.Get(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load local %s:%s: %w", typ, id, err)
	}

	if local.Dirty {
		return c.ensureEnqueued(ctx, local)
	}
	if !local.LastSyncedAt.IsZero() {
		if err := c.store.Delete(ctx, typ, id); err != nil {
			return fmt.Errorf("delete local %s:%s: %w", typ, id, err)
		}
		return c.queue.DropKey(ctx, typ, id)
	}
	return nil
}

// ensureEnqueued guarantees a dirty entity has a pending upsert. Entities
// edited through the repositories already have one; this covers dirty
// state recovered after a crash that interrupted the enqueue.
func (c *Coordinator) ensureEnqueued(ctx context.Context, local *entity.Entity) error {
	if local == nil || !local.Dirty {
		return nil
	}
	pending, err := c.queue.PendingFor(ctx, local.Type, local.ID)
	if err != nil {
		return fmt.Errorf("inspect pending %s: %w", local.Key(), err)
	}
	if len(pending) > 0 || c.queue.InFlight(local.Type, local.ID) {
		return nil
	}
	_, err = c.queue.Enqueue(ctx, local.Type, local.ID, entity.Mutation{
		Op:              entity.OpUpsert,
		Payload:         local.Payload,
		ExpectedVersion: local.Version,
	})
	if err != nil {
		return fmt.Errorf("enqueue recovered edit %s: %w", local.Key(), err)
	}
	return nil
}

// worker drains ready outbox entries until stopped.
func (c *Coordinator) worker(n int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.isPaused() {
			c.sleep(c.config.DrainInterval)
			continue
		}

		e, err := c.queue.NextReady(time.Now().UTC())
		if err != nil {
			if !errors.Is(err, outbox.ErrQueueClosed) {
				logging.Warn().Err(err).Int("worker", n).Msg("Outbox poll failed")
			}
			c.sleep(c.config.DrainInterval)
			continue
		}
		if e == nil {
			c.sleep(c.config.DrainInterval)
			continue
		}
		c.dispatch(e)
	}
}

func (c *Coordinator) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopCh:
	case <-timer.C:
	}
}

// dispatch delivers one claimed entry and settles its claim.
func (c *Coordinator) dispatch(e *outbox.Entry) {
	ctx := c.session()
	c.setState(e.EntityType, e.EntityID, StateDispatched)

	var err error
	switch e.Mutation.Op {
	case entity.OpUpsert:
		err = c.dispatchPush(ctx, e, e.Mutation.Payload)
	case entity.OpDelete:
		// A nil payload is the wire convention for a tombstone.
		err = c.dispatchPush(ctx, e, nil)
	case entity.OpUploadBlob:
		err = c.dispatchUpload(ctx, e)
	default:
		err = gateway.Terminal("dispatch", fmt.Errorf("unknown mutation op %q", e.Mutation.Op))
	}

	if err == nil {
		c.setState(e.EntityType, e.EntityID, StateIdle)
		return
	}
	c.settleFailure(ctx, e, err)
}

// settleFailure routes a dispatch error to the right claim resolution.
func (c *Coordinator) settleFailure(ctx context.Context, e *outbox.Entry, cause error) {
	defer c.setState(e.EntityType, e.EntityID, StateIdle)

	switch {
	case errors.Is(cause, context.Canceled):
		// Session cancelled mid-call. Back to ready, retried next session.
		if err := c.queue.Release(context.Background(), e); err != nil {
			logging.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to release cancelled entry")
		}

	case gateway.IsAuth(cause):
		c.handleAuthFailure(cause)
		if err := c.queue.Release(context.Background(), e); err != nil {
			logging.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to release entry after auth failure")
		}

	case gateway.IsConflict(cause):
		// The server moved past our expected version. Put the entry
		// back, re-pull, and let the resolver decide what survives.
		syncConflictRepullsTotal.Inc()
		if err := c.queue.Release(context.Background(), e); err != nil {
			logging.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to release conflicted entry")
		}
		if err := c.SyncEntity(ctx, e.EntityType, e.EntityID); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().
				Err(err).
				Str("entity_id", e.EntityID).
				Msg("Conflict re-pull failed")
		}

	default:
		if err := c.queue.MarkFailed(context.Background(), e, cause); err != nil {
			logging.Warn().Err(err).Str("entry_id", e.ID).Msg("Failed to record dispatch failure")
		}
	}
}

func (c *Coordinator) handleAuthFailure(cause error) {
	syncAuthFailuresTotal.Inc()
	c.pause()

	c.mu.Lock()
	fn := c.onAuth
	c.mu.Unlock()
	if fn != nil {
		go fn(cause)
	}
	logging.Warn().Err(cause).Msg("Gateway auth failure, dispatch paused until next trigger")
}

// dispatchPush delivers an upsert or delete and reconciles the accepted
// server version back into the store.
func (c *Coordinator) dispatchPush(ctx context.Context, e *outbox.Entry, payload json.RawMessage) error {
	pushCtx, cancel := context.WithTimeout(ctx, c.config.PushTimeout)
	snap, err := c.gw.PushEntity(pushCtx, e.EntityType, e.EntityID, payload,
		e.Mutation.ExpectedVersion, e.IdempotencyKey)
	cancel()
	if err != nil {
		return err
	}

	if err := c.queue.MarkSucceeded(context.Background(), e); err != nil {
		return fmt.Errorf("acknowledge entry %s: %w", e.ID, err)
	}

	if e.Mutation.Op == entity.OpDelete {
		if err := c.store.Delete(ctx, e.EntityType, e.EntityID); err != nil {
			logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to remove deleted entity")
		}
		if err := c.queue.DropKey(ctx, e.EntityType, e.EntityID); err != nil {
			logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to drop deleted key")
		}
		return nil
	}

	c.adoptAcceptedVersion(ctx, e, snap)
	return nil
}

// adoptAcceptedVersion writes the server-assigned version back to the
// local entity. The dirty flag clears only when nothing else is queued for
// the key; a coalesce that raced the dispatch keeps the entity dirty.
func (c *Coordinator) adoptAcceptedVersion(ctx context.Context, e *outbox.Entry, snap *entity.Snapshot) {
	local, err := c.store.Get(ctx, e.EntityType, e.EntityID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to load entity after push")
		}
		return
	}

	pending, err := c.queue.PendingFor(ctx, e.EntityType, e.EntityID)
	if err != nil {
		logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to inspect pending after push")
		return
	}

	local.Version = snap.Version
	local.LastSyncedAt = time.Now().UTC()
	local.Dirty = len(pending) > 0

	if err := c.store.Put(ctx, local); err != nil {
		if store.IsStaleWrite(err) {
			// A local edit raced the acknowledgement; the newer edit's
			// own dispatch will carry the version forward.
			return
		}
		logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to record accepted version")
	}
}

// dispatchUpload transfers a staged blob, attaches the returned reference
// to the entity payload, and queues the metadata push.
func (c *Coordinator) dispatchUpload(ctx context.Context, e *outbox.Entry) error {
	c.mu.Lock()
	src := c.blobs
	c.mu.Unlock()
	if src == nil {
		return gateway.Terminal("upload_blob", fmt.Errorf("no blob source configured"))
	}

	data, meta, err := src.Load(e.Mutation.BlobRef)
	if err != nil {
		return gateway.Terminal("upload_blob", fmt.Errorf("load staged blob %q: %w", e.Mutation.BlobRef, err))
	}

	pushCtx, cancel := context.WithTimeout(ctx, c.config.PushTimeout)
	ref, err := c.gw.UploadBlob(pushCtx, data, meta)
	cancel()
	if err != nil {
		return err
	}

	if err := c.queue.MarkSucceeded(context.Background(), e); err != nil {
		return fmt.Errorf("acknowledge entry %s: %w", e.ID, err)
	}
	if err := src.Discard(e.Mutation.BlobRef); err != nil {
		logging.Warn().Err(err).Str("blob_ref", e.Mutation.BlobRef).Msg("Failed to discard staged blob")
	}
	if err := c.attachBlobRef(ctx, e.EntityType, e.EntityID, ref); err != nil {
		logging.Warn().Err(err).Str("entity_id", e.EntityID).Msg("Failed to attach uploaded blob ref")
	}
	return nil
}

// attachBlobRef merges the uploaded blob's reference into the entity
// payload and queues the metadata upsert that carries it to the server.
func (c *Coordinator) attachBlobRef(ctx context.Context, typ entity.Type, id string, ref *gateway.BlobRef) error {
	local, err := c.store.Get(ctx, typ, id)
	if err != nil {
		return fmt.Errorf("load entity: %w", err)
	}

	fields := make(map[string]interface{})
	if len(local.Payload) > 0 {
		if err := json.Unmarshal(local.Payload, &fields); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	fields["blob_url"] = ref.URL
	fields["blob_size_bytes"] = ref.SizeBytes

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	local.Payload = payload
	local.Version++
	local.Dirty = true
	if err := c.store.Put(ctx, local); err != nil {
		return fmt.Errorf("store updated payload: %w", err)
	}

	_, err = c.queue.Enqueue(ctx, typ, id, entity.Mutation{
		Op:              entity.OpUpsert,
		Payload:         payload,
		ExpectedVersion: local.Version,
	})
	if err != nil {
		return fmt.Errorf("enqueue metadata push: %w", err)
	}
	return nil
}

// DiscardFailed drops an entity's terminally failed mutations and clears
// the dirty flag they left behind, so the abandoned edit is not re-queued
// on the next cycle. Staged blobs referenced by the discarded entries are
// removed. The local payload is kept; the next pull reconciles it against
// the server copy.
func (c *Coordinator) DiscardFailed(ctx context.Context, typ entity.Type, id string) (int, error) {
	terminal, err := c.queue.TerminalFor(ctx, typ, id)
	if err != nil {
		return 0, fmt.Errorf("inspect terminal entries: %w", err)
	}

	n, err := c.queue.DiscardTerminal(ctx, typ, id)
	if err != nil || n == 0 {
		return n, err
	}

	c.mu.Lock()
	src := c.blobs
	c.mu.Unlock()
	if src != nil {
		for _, e := range terminal {
			if e.Mutation.Op != entity.OpUploadBlob {
				continue
			}
			if err := src.Discard(e.Mutation.BlobRef); err != nil {
				logging.Warn().Err(err).Str("blob_ref", e.Mutation.BlobRef).Msg("Failed to discard staged blob")
			}
		}
	}

	pending, err := c.queue.PendingFor(ctx, typ, id)
	if err != nil {
		return n, fmt.Errorf("inspect pending entries: %w", err)
	}
	if len(pending) > 0 || c.queue.InFlight(typ, id) {
		return n, nil
	}

	local, err := c.store.Get(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("load entity: %w", err)
	}
	if !local.Dirty {
		return n, nil
	}
	local.Dirty = false
	if err := c.store.Put(ctx, local); err != nil && !store.IsStaleWrite(err) {
		return n, fmt.Errorf("clear dirty flag: %w", err)
	}
	return n, nil
}

// Status reports the caller-visible sync state of one entity: failed when
// a mutation exhausted its retries, pending while anything is queued or in
// flight, synced otherwise.
func (c *Coordinator) Status(ctx context.Context, typ entity.Type, id string) (entity.SyncStatus, error) {
	terminal, err := c.queue.TerminalFor(ctx, typ, id)
	if err != nil {
		return "", fmt.Errorf("inspect terminal entries: %w", err)
	}
	if len(terminal) > 0 {
		return entity.StatusFailed, nil
	}

	pending, err := c.queue.PendingFor(ctx, typ, id)
	if err != nil {
		return "", fmt.Errorf("inspect pending entries: %w", err)
	}
	if len(pending) > 0 || c.queue.InFlight(typ, id) {
		return entity.StatusPending, nil
	}

	local, err := c.store.Get(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return entity.StatusSynced, nil
	}
	if err != nil {
		return "", fmt.Errorf("load entity: %w", err)
	}
	if local.Dirty {
		return entity.StatusPending, nil
	}
	return entity.StatusSynced, nil
}
