// Package store defines the persistent record store of the ledger engine.
// Records are opaque byte values under string keys. Implementations include
// PostgreSQL (source of truth), Redis (read-through cache), and in-memory
// (for testing). A UnitOfWork buffers the writes of one request and applies
// them all at once, or not at all.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists under the key.
var ErrNotFound = errors.New("store: record not found")

// Store is the keyed record store. It has no transactional semantics of
// its own; atomicity comes from UnitOfWork.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value under key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every record whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Write is one buffered mutation. Delete takes precedence over Value.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Batcher is implemented by stores that can apply several writes
// atomically.
type Batcher interface {
	ApplyBatch(ctx context.Context, writes []Write) error
}

// Apply writes to s, atomically when s implements Batcher.
func Apply(ctx context.Context, s Store, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	if b, ok := s.(Batcher); ok {
		return b.ApplyBatch(ctx, writes)
	}
	for _, w := range writes {
		var err error
		if w.Delete {
			err = s.Delete(ctx, w.Key)
		} else {
			err = s.Set(ctx, w.Key, w.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
