package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrClosed is returned when a committed or discarded unit of work is used.
var ErrClosed = errors.New("store: unit of work closed")

type pending struct {
	value   []byte
	deleted bool
}

// UnitOfWork is a write overlay over a parent Store. Reads see the
// overlay first; nothing reaches the parent until Commit. A UnitOfWork is
// itself a Store, so units can be nested. It is not safe for concurrent
// use.
type UnitOfWork struct {
	ID     uuid.UUID
	parent Store
	writes map[string]pending
	closed bool
}

// Begin opens a unit of work over parent.
func Begin(parent Store) *UnitOfWork {
	return &UnitOfWork{
		ID:     uuid.New(),
		parent: parent,
		writes: make(map[string]pending),
	}
}

func (u *UnitOfWork) Get(ctx context.Context, key string) ([]byte, error) {
	if u.closed {
		return nil, ErrClosed
	}
	if p, ok := u.writes[key]; ok {
		if p.deleted {
			return nil, ErrNotFound
		}
		return clone(p.value), nil
	}
	return u.parent.Get(ctx, key)
}

func (u *UnitOfWork) Set(_ context.Context, key string, value []byte) error {
	if u.closed {
		return ErrClosed
	}
	u.writes[key] = pending{value: clone(value)}
	return nil
}

func (u *UnitOfWork) Delete(_ context.Context, key string) error {
	if u.closed {
		return ErrClosed
	}
	u.writes[key] = pending{deleted: true}
	return nil
}

func (u *UnitOfWork) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if u.closed {
		return nil, ErrClosed
	}
	out, err := u.parent.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for k, p := range u.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if p.deleted {
			delete(out, k)
		} else {
			out[k] = clone(p.value)
		}
	}
	return out, nil
}

// Writes returns the buffered mutations in key order.
func (u *UnitOfWork) Writes() []Write {
	keys := make([]string, 0, len(u.writes))
	for k := range u.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Write, len(keys))
	for i, k := range keys {
		p := u.writes[k]
		out[i] = Write{Key: k, Value: clone(p.value), Delete: p.deleted}
	}
	return out
}

// Commit applies every buffered mutation to the parent and closes the
// unit. On error the unit stays open and nothing is guaranteed to have
// been applied unless the parent is a Batcher.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.closed {
		return ErrClosed
	}
	if err := Apply(ctx, u.parent, u.Writes()); err != nil {
		return err
	}
	u.close()
	return nil
}

// Discard drops every buffered mutation and closes the unit. Discarding a
// closed unit is a no-op.
func (u *UnitOfWork) Discard() {
	u.close()
}

func (u *UnitOfWork) close() {
	u.writes = nil
	u.closed = true
}
