// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package outbox provides the durable queue of pending mutations awaiting
// delivery to the server. Entries are persisted to BadgerDB before any
// network attempt, so queued edits survive process restarts and crashes.
//
// Ordering: entries for the same (type, id) key are strictly FIFO; entries
// for different keys have no ordering guarantee and may dispatch
// concurrently. At most one entry per key is in flight at a time, and new
// edits to a key whose last pending (not in-flight) entry carries the same
// operation are coalesced into it rather than appended.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/gateway"
	"github.com/reelcoach/coachsync/internal/logging"
)

// Entry is a single queued mutation with its retry bookkeeping.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// Seq orders entries within and across keys. Assigned at enqueue,
	// monotonic for the lifetime of the queue's database.
	Seq int64 `json:"seq"`

	// EntityType and EntityID form the queue key.
	EntityType entity.Type `json:"entity_type"`
	EntityID   string      `json:"entity_id"`

	// Mutation is the pending change. Coalescing replaces this in
	// place; the entry identity and idempotency key are unchanged.
	Mutation entity.Mutation `json:"mutation"`

	// IdempotencyKey is assigned once at first enqueue and reused for
	// every delivery attempt, so the server can deduplicate replays.
	IdempotencyKey string `json:"idempotency_key"`

	// AttemptCount is the number of failed delivery attempts.
	AttemptCount int `json:"attempt_count"`

	// NextRetryAt is the earliest time the entry may be dispatched.
	NextRetryAt time.Time `json:"next_retry_at"`

	// CreatedAt is when the entry was first enqueued.
	CreatedAt time.Time `json:"created_at"`

	// LastError is the message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`
}

func (e *Entry) key() string {
	return string(e.EntityType) + ":" + e.EntityID
}

// Config holds outbox configuration.
type Config struct {
	// MaxAttempts is the total number of delivery attempts before a
	// transient failure becomes terminal. Default: 3.
	MaxAttempts int

	// BackoffBase is the base delay for exponential backoff. Default: 1s.
	BackoffBase time.Duration

	// BackoffCap caps the backoff delay. Default: 30s.
	BackoffCap time.Duration
}

// DefaultConfig returns the reference retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("outbox config: MaxAttempts must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("outbox config: BackoffBase must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("outbox config: BackoffCap must be >= BackoffBase")
	}
	return nil
}

// Badger key prefixes. Sequence numbers are zero-padded so lexicographic
// key order matches enqueue order within a key.
const (
	prefixPending  = "outbox:"
	prefixTerminal = "outbox_failed:"
)

// Errors returned by the queue.
var (
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("outbox is closed")

	// ErrEntryNotFound is returned when an entry no longer exists.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrNotInFlight is returned when acknowledging an entry that was
	// never claimed.
	ErrNotInFlight = errors.New("outbox entry is not in flight")
)

// TerminalFunc observes terminal failures. The underlying entity stays
// dirty; the observer is how the caller learns a manual retry is needed.
type TerminalFunc func(entry *Entry, err error)

// Queue is the durable outbox. It shares the store's BadgerDB so a local
// edit and its queued mutation live in one database.
type Queue struct {
	db     *badger.DB
	config Config

	seq atomic.Int64

	// mu serializes claim/ack bookkeeping; disk writes happen inside
	// badger transactions and do not need it.
	mu       sync.Mutex
	inFlight map[string]string // queue key -> entry ID
	closed   bool

	onTerminal TerminalFunc
}

// Open initializes a Queue on the given database, recovering the sequence
// counter from any entries persisted by a previous process.
func Open(db *badger.DB, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		db:       db,
		config:   cfg,
		inFlight: make(map[string]string),
	}

	maxSeq, pending, err := q.recoverSeq()
	if err != nil {
		return nil, fmt.Errorf("recover outbox state: %w", err)
	}
	q.seq.Store(maxSeq)
	outboxPendingDepth.Set(float64(pending))

	if pending > 0 {
		logging.Info().Int("pending_entries", pending).Msg("Outbox recovered pending mutations")
	}
	return q, nil
}

// SetOnTerminal registers the terminal-failure observer.
func (q *Queue) SetOnTerminal(fn TerminalFunc) {
	q.mu.Lock()
	q.onTerminal = fn
	q.mu.Unlock()
}

// recoverSeq scans pending entries for the highest sequence number.
func (q *Queue) recoverSeq() (int64, int, error) {
	var maxSeq int64
	var count int
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				continue
			}
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
			count++
		}
		return nil
	})
	return maxSeq, count, err
}

func pendingKey(typ entity.Type, id string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixPending, typ, id, seq))
}

func terminalKey(typ entity.Type, id string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixTerminal, typ, id, seq))
}

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue queues a mutation for delivery. If the key's last pending (not
// in-flight) entry carries the same operation, the new mutation replaces
// its payload; the entry keeps its position, attempt count, and
// idempotency key. A different operation, or an in-flight entry, appends a
// new entry behind it, so a metadata edit never swallows a queued upload
// or delete.
func (q *Queue) Enqueue(ctx context.Context, typ entity.Type, id string, mut entity.Mutation) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if err := mut.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := string(typ) + ":" + id
	inFlightID := q.inFlight[key]

	var result *Entry
	err := q.db.Update(func(txn *badger.Txn) error {
		// Find the last pending entry for this key.
		tail, err := lastPendingForKey(txn, typ, id)
		if err != nil {
			return err
		}

		if tail != nil && tail.ID != inFlightID && tail.Mutation.Op == mut.Op {
			// Coalesce: replace the payload in place.
			tail.Mutation = mut
			data, err := json.Marshal(tail)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			if err := txn.Set(pendingKey(typ, id, tail.Seq), data); err != nil {
				return fmt.Errorf("set coalesced entry: %w", err)
			}
			result = tail
			outboxCoalescedTotal.Inc()
			return nil
		}

		e := &Entry{
			ID:             uuid.New().String(),
			Seq:            q.seq.Add(1),
			EntityType:     typ,
			EntityID:       id,
			Mutation:       mut,
			IdempotencyKey: uuid.New().String(),
			NextRetryAt:    time.Now().UTC(),
			CreatedAt:      time.Now().UTC(),
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := txn.Set(pendingKey(typ, id, e.Seq), data); err != nil {
			return fmt.Errorf("set entry: %w", err)
		}
		result = e
		outboxPendingDepth.Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	outboxEnqueuesTotal.Inc()
	logging.Debug().
		Str("entity_type", string(typ)).
		Str("entity_id", id).
		Str("op", string(mut.Op)).
		Str("entry_id", result.ID).
		Msg("Mutation enqueued")
	return result, nil
}

// lastPendingForKey returns the highest-seq pending entry for a key, or nil.
func lastPendingForKey(txn *badger.Txn, typ entity.Type, id string) (*Entry, error) {
	opts := badger.DefaultIteratorOptions
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(prefixPending + string(typ) + ":" + id + ":")
	var last *Entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var e Entry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		last = &e
	}
	return last, nil
}

// NextReady claims and returns the earliest entry that is ready at now:
// its NextRetryAt has passed, it is the head of its key's FIFO, and no
// other entry for its key is in flight. Returns nil when nothing is ready.
// The caller must resolve the claim with MarkSucceeded, MarkFailed, or
// Release.
func (q *Queue) NextReady(now time.Time) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	var best *Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		seenKeys := make(map[string]bool)
		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Outbox failed to unmarshal entry")
				continue
			}

			key := e.key()
			// Only the head of each key's queue is dispatchable;
			// key order sorts by seq within a key, so the first
			// entry seen per key is the head.
			if seenKeys[key] {
				continue
			}
			seenKeys[key] = true

			if _, busy := q.inFlight[key]; busy {
				continue
			}
			if e.NextRetryAt.After(now) {
				continue
			}
			if best == nil || e.Seq < best.Seq {
				cp := e
				best = &cp
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending entries: %w", err)
	}
	if best == nil {
		return nil, nil
	}

	q.inFlight[best.key()] = best.ID
	outboxDispatchesTotal.Inc()
	return best, nil
}

// MarkSucceeded removes an acknowledged entry and releases its key.
func (q *Queue) MarkSucceeded(ctx context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.inFlight[e.key()] != e.ID {
		return ErrNotInFlight
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(e.EntityType, e.EntityID, e.Seq))
	})
	if err != nil {
		return fmt.Errorf("delete acknowledged entry: %w", err)
	}

	delete(q.inFlight, e.key())
	outboxSucceededTotal.Inc()
	outboxPendingDepth.Dec()
	outboxDispatchLatency.Observe(time.Since(e.CreatedAt).Seconds())
	return nil
}

// MarkFailed applies the retry policy to a failed dispatch. Retryable
// errors below the attempt limit schedule a capped exponential backoff;
// anything else is terminal: the entry moves to the failed set, the
// observer fires, and the underlying entity stays dirty. Silent loss is
// not an option here.
func (q *Queue) MarkFailed(ctx context.Context, e *Entry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.inFlight[e.key()] != e.ID {
		return ErrNotInFlight
	}

	e.AttemptCount++
	e.LastError = cause.Error()

	retryable := gateway.Retryable(cause)
	if retryable && e.AttemptCount < q.config.MaxAttempts {
		delay := Backoff(e.AttemptCount, q.config.BackoffBase, q.config.BackoffCap)
		e.NextRetryAt = time.Now().UTC().Add(delay)

		err := q.db.Update(func(txn *badger.Txn) error {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			return txn.Set(pendingKey(e.EntityType, e.EntityID, e.Seq), data)
		})
		if err != nil {
			return fmt.Errorf("reschedule entry: %w", err)
		}

		delete(q.inFlight, e.key())
		outboxRetriesTotal.Inc()
		logging.Warn().
			Err(cause).
			Str("entity_id", e.EntityID).
			Int("attempt", e.AttemptCount).
			Dur("backoff", delay).
			Msg("Mutation dispatch failed, retry scheduled")
		return nil
	}

	// Terminal: move to the failed set for inspection and manual retry.
	err := q.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := txn.Set(terminalKey(e.EntityType, e.EntityID, e.Seq), data); err != nil {
			return fmt.Errorf("set terminal entry: %w", err)
		}
		return txn.Delete(pendingKey(e.EntityType, e.EntityID, e.Seq))
	})
	if err != nil {
		return fmt.Errorf("record terminal entry: %w", err)
	}

	delete(q.inFlight, e.key())
	outboxTerminalTotal.Inc()
	outboxPendingDepth.Dec()
	logging.Error().
		Err(cause).
		Str("entity_type", string(e.EntityType)).
		Str("entity_id", e.EntityID).
		Int("attempts", e.AttemptCount).
		Bool("retryable", retryable).
		Msg("Mutation terminally failed")

	if q.onTerminal != nil {
		// Invoked outside the badger txn but under mu; observers must
		// not call back into the queue.
		fn := q.onTerminal
		entry := *e
		go fn(&entry, cause)
	}
	return nil
}

// Release returns a claimed entry to the ready state with an immediate
// retry time. Used by cancellation so an aborted dispatch never leaves a
// phantom in-flight entry.
func (q *Queue) Release(ctx context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.inFlight[e.key()] != e.ID {
		return ErrNotInFlight
	}

	e.NextRetryAt = time.Now().UTC()
	err := q.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		return txn.Set(pendingKey(e.EntityType, e.EntityID, e.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("release entry: %w", err)
	}

	delete(q.inFlight, e.key())
	outboxReleasedTotal.Inc()
	return nil
}

// PendingFor returns the pending entries for one key in FIFO order.
func (q *Queue) PendingFor(ctx context.Context, typ entity.Type, id string) ([]*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.collect(ctx, prefixPending+string(typ)+":"+id+":")
}

// TerminalFor returns the terminally failed entries for one key.
func (q *Queue) TerminalFor(ctx context.Context, typ entity.Type, id string) ([]*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.collect(ctx, prefixTerminal+string(typ)+":"+id+":")
}

// Pending returns all pending entries, FIFO per key.
func (q *Queue) Pending(ctx context.Context) ([]*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return q.collect(ctx, prefixPending)
}

func (q *Queue) collect(ctx context.Context, prefix string) ([]*Entry, error) {
	var out []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Outbox failed to unmarshal entry")
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// RetryTerminal moves a key's terminally failed entries back to pending
// with a reset attempt count. This is the explicit user-driven retry the
// status surface offers for failed mutations.
func (q *Queue) RetryTerminal(ctx context.Context, typ entity.Type, id string) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}

	entries, err := q.collect(ctx, prefixTerminal+string(typ)+":"+id+":")
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			e.AttemptCount = 0
			e.LastError = ""
			e.NextRetryAt = time.Now().UTC()
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			if err := txn.Set(pendingKey(e.EntityType, e.EntityID, e.Seq), data); err != nil {
				return fmt.Errorf("requeue entry: %w", err)
			}
			if err := txn.Delete(terminalKey(e.EntityType, e.EntityID, e.Seq)); err != nil {
				return fmt.Errorf("remove terminal entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	outboxPendingDepth.Add(float64(len(entries)))
	logging.Info().
		Str("entity_type", string(typ)).
		Str("entity_id", id).
		Int("entries", len(entries)).
		Msg("Terminal mutations requeued for retry")
	return len(entries), nil
}

// DiscardTerminal drops a key's terminally failed entries. This is the
// explicit user-driven discard; the caller is responsible for clearing the
// entity's dirty flag afterwards, which is what Coordinator.DiscardFailed
// does on top of this.
func (q *Queue) DiscardTerminal(ctx context.Context, typ entity.Type, id string) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}

	entries, err := q.collect(ctx, prefixTerminal+string(typ)+":"+id+":")
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Delete(terminalKey(e.EntityType, e.EntityID, e.Seq)); err != nil {
				return fmt.Errorf("delete terminal entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DropKey removes every pending and terminal entry for a key. Used when
// the entity itself is deleted locally; the delete mutation (already
// dispatched separately) supersedes anything still queued.
func (q *Queue) DropKey(ctx context.Context, typ entity.Type, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	dropped := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range []string{
			prefixPending + string(typ) + ":" + id + ":",
			prefixTerminal + string(typ) + ":" + id + ":",
		} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			p := []byte(prefix)
			var keys [][]byte
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
				if strings.HasPrefix(string(k), prefixPending) {
					dropped++
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop key entries: %w", err)
	}

	delete(q.inFlight, string(typ)+":"+id)
	if dropped > 0 {
		outboxPendingDepth.Sub(float64(dropped))
	}
	return nil
}

// InFlight reports whether the key currently has a dispatched entry.
func (q *Queue) InFlight(typ entity.Type, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[string(typ)+":"+id]
	return ok
}

// Stats summarizes queue state for monitoring.
type Stats struct {
	Pending  int
	Terminal int
	InFlight int
}

// GetStats counts entries by state.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	if err := q.checkOpen(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, p := range []struct {
			prefix  string
			counter *int
		}{
			{prefixPending, &stats.Pending},
			{prefixTerminal, &stats.Terminal},
		} {
			prefix := []byte(p.prefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				*p.counter++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	q.mu.Lock()
	stats.InFlight = len(q.inFlight)
	q.mu.Unlock()
	return stats, nil
}

// Close marks the queue closed. The shared BadgerDB is owned by the store
// and closed there.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
