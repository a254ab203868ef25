// Package store wraps the (a,b)-tree engine in a readers-writer gate and
// exposes the three operations the protocol dispatches: Add, Remove, Find.
//
// Any number of readers proceed concurrently; writers are exclusive and
// serialised. A reader never observes a half-completed mutation: every
// operation takes effect at a single point between gate entry and exit,
// and the effective write order is the writer-lock acquisition order.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dantte-lp/gokvd/internal/btree"
	"github.com/dantte-lp/gokvd/internal/wire"
)

// Sentinel errors for store operations.
var (
	// ErrEngineFault indicates the tree engine panicked. This signals a
	// bug; the orchestrator reports it to the client as an unexpected
	// error and the store stays usable.
	ErrEngineFault = errors.New("engine fault")
)

// Store is the concurrent façade over the tree engine. The engine is the
// only shared mutable state in the process and is reachable exclusively
// through this gate.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.Tree[wire.Value]
	logger *slog.Logger
}

// New constructs a store over a fresh (a,b)-tree. Construction fails when
// the tree bounds are invalid.
func New(a, b int, logger *slog.Logger) (*Store, error) {
	tree, err := btree.New[wire.Value](a, b)
	if err != nil {
		return nil, fmt.Errorf("new store: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		tree:   tree,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// Add inserts or replaces the value stored under key inside a write
// critical section.
//
// The gate acquisition itself is not cancellable; ctx is checked on entry
// so a caller whose session already died does not queue for the lock.
func (s *Store) Add(ctx context.Context, key string, value wire.Value) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recover("add", key, &err)

	s.tree.Add(key, value)
	return nil
}

// Remove deletes key inside a write critical section. Removing an absent
// key succeeds.
func (s *Store) Remove(ctx context.Context, key string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recover("remove", key, &err)

	s.tree.Remove(key)
	return nil
}

// Find looks key up inside a read critical section.
func (s *Store) Find(ctx context.Context, key string) (val wire.Value, found bool, err error) {
	if err := ctx.Err(); err != nil {
		return wire.Value{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	defer s.recover("find", key, &err)

	val, found = s.tree.Find(key)
	return val, found, nil
}

// Len returns the number of stored keys inside a read critical section.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Check validates the engine invariants inside a read critical section.
// Exposed for tests and diagnostics.
func (s *Store) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Check()
}

// recover converts an engine panic into ErrEngineFault so a single broken
// operation cannot take the whole server down.
func (s *Store) recover(op, key string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error("engine panic",
			slog.String("op", op),
			slog.String("key", key),
			slog.Any("panic", r),
		)
		*err = fmt.Errorf("%s %q: %v: %w", op, key, r, ErrEngineFault)
	}
}
