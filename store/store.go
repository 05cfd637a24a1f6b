// Package store implements the per-thread short-term-memory store: an
// idempotent append-log of conversation turns plus a small merge-on-write
// slots document, both TTL-guarded. Two implementations are provided, a
// Redis-backed store for production and an in-memory store for tests and
// embedded use.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/engramhq/engram/types"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store is the STM backing store for one deployment. All keys are scoped by
// thread (conversation) id.
type Store interface {
	// Append appends turns to the thread's log, assigning content-derived
	// IDs where missing. Each turn is appended at most once; the returned
	// count covers newly appended turns only. Per turn, dedupe-check,
	// append, trim, and TTL refresh execute as one indivisible unit.
	Append(ctx context.Context, threadID string, turns []types.Turn) (int, error)

	// Load returns the thread's log oldest-first. An expired or unknown
	// thread yields an empty slice, not an error.
	Load(ctx context.Context, threadID string) ([]types.Turn, error)

	// MergeSlots recursively merges patch into the thread's slots document
	// and refreshes its TTL. An empty patch is a no-op. Merges to the same
	// thread are serialized; cross-process writers remain last-writer-wins.
	MergeSlots(ctx context.Context, threadID string, patch types.Slots) error

	// GetSlots returns the slots document, or an empty document if absent.
	GetSlots(ctx context.Context, threadID string) (types.Slots, error)

	// ClearSlots deletes the slots document.
	ClearSlots(ctx context.Context, threadID string) error

	// Clear removes the log, the dedupe set, and the slots document for
	// the thread. Irreversible.
	Clear(ctx context.Context, threadID string) error

	// Close releases the store's resources.
	Close() error
}

// ArchiveSink receives newly appended turns after a successful append
// batch. Sink failures are reported but never fail or roll back the append.
type ArchiveSink interface {
	Notify(ctx context.Context, threadID string, turns []types.Turn) error
}

// ArchiveSinkFunc adapts a function to the ArchiveSink interface.
type ArchiveSinkFunc func(ctx context.Context, threadID string, turns []types.Turn) error

// Notify implements ArchiveSink.
func (f ArchiveSinkFunc) Notify(ctx context.Context, threadID string, turns []types.Turn) error {
	return f(ctx, threadID, turns)
}

// keyedMutex serializes work per string key. Used to give slot merges
// single-writer-per-thread discipline inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

func (k *keyedMutex) drop(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}
