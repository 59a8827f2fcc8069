// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package store provides the durable local entity cache backed by BadgerDB.
// Entities survive process restarts; reads are snapshot-isolated and writes
// are atomic per call. Version regression is rejected with StaleWriteError,
// which is what keeps a delayed network response from clobbering a newer
// local edit.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/logging"
)

// Store is the local persistence contract the engine writes through.
type Store interface {
	// Get returns the cached entity, or ErrNotFound.
	Get(ctx context.Context, typ entity.Type, id string) (*entity.Entity, error)

	// Put writes an entity. A put whose version is lower than the
	// stored version fails with StaleWriteError.
	Put(ctx context.Context, e *entity.Entity) error

	// Delete removes an entity. Deleting a missing entity is a no-op.
	Delete(ctx context.Context, typ entity.Type, id string) error

	// QueryDirty returns all entities of the given type with unsynced
	// local mutations.
	QueryDirty(ctx context.Context, typ entity.Type) ([]*entity.Entity, error)

	// List returns up to limit entities of the given type.
	List(ctx context.Context, typ entity.Type, limit int) ([]*entity.Entity, error)

	// Close shuts the store down.
	Close() error
}

// StaleWriteError is returned by Put when the incoming version is lower
// than the stored version.
type StaleWriteError struct {
	Type          entity.Type
	ID            string
	StoredVersion int64
	PutVersion    int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for %s:%s: stored version %d, put version %d",
		e.Type, e.ID, e.StoredVersion, e.PutVersion)
}

// IsStaleWrite reports whether err is a StaleWriteError.
func IsStaleWrite(err error) bool {
	var stale *StaleWriteError
	return errors.As(err, &stale)
}

// Errors returned by the store.
var (
	// ErrNotFound is returned when no entity exists for the key.
	ErrNotFound = errors.New("entity not found")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
)

const entityPrefix = "entity:"

// Config holds store configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write.
	// Default: true; offline durability is the point of this store.
	SyncWrites bool

	// InMemory runs BadgerDB without disk persistence. Test use only.
	InMemory bool

	// CloseTimeout bounds graceful shutdown. Default: 30s.
	CloseTimeout time.Duration
}

// DefaultConfig returns durable defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncWrites:   true,
		CloseTimeout: 30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("store path is required")
	}
	return nil
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates a BadgerStore at the configured path.
func Open(cfg Config) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.InMemory = cfg.InMemory
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Entity store opened")

	return &BadgerStore{db: db, config: cfg}, nil
}

// OpenForTesting creates an in-memory BadgerStore.
// WARNING: Do not use in production code.
func OpenForTesting() (*BadgerStore, error) {
	return Open(Config{InMemory: true, CloseTimeout: 5 * time.Second})
}

func entityKey(typ entity.Type, id string) []byte {
	return []byte(entityPrefix + string(typ) + ":" + id)
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, typ entity.Type, id string) (*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var e entity.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(typ, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get entity: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Put implements Store. The version check and the write happen inside a
// single transaction, so concurrent callers cannot interleave between them.
func (s *BadgerStore) Put(ctx context.Context, e *entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	key := entityKey(e.Type, e.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var stored entity.Entity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return fmt.Errorf("unmarshal stored entity: %w", err)
			}
			if e.Version < stored.Version {
				return &StaleWriteError{
					Type:          e.Type,
					ID:            e.ID,
					StoredVersion: stored.Version,
					PutVersion:    e.Version,
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read stored entity: %w", err)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entity: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, typ entity.Type, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(entityKey(typ, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// QueryDirty implements Store.
func (s *BadgerStore) QueryDirty(ctx context.Context, typ entity.Type) ([]*entity.Entity, error) {
	return s.scan(ctx, typ, 0, func(e *entity.Entity) bool { return e.Dirty })
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, typ entity.Type, limit int) ([]*entity.Entity, error) {
	return s.scan(ctx, typ, limit, func(*entity.Entity) bool { return true })
}

// scan iterates entities of one type under a snapshot-isolated View.
func (s *BadgerStore) scan(ctx context.Context, typ entity.Type, limit int, keep func(*entity.Entity) bool) ([]*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*entity.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(entityPrefix + string(typ) + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var e entity.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Store failed to unmarshal entity")
				continue
			}
			if !keep(&e) {
				continue
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// Close gracefully shuts down the store with the configured timeout.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Entity store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("Entity store close timed out")
		return fmt.Errorf("store close timeout after %v", timeout)
	}
}

// DB returns the underlying BadgerDB instance so the outbox can share one
// database. The returned DB must not be closed directly.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}
