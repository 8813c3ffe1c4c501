package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "ctx/alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "ctx/alice", []byte{1, 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "ctx/alice")
	if err != nil || len(got) != 2 || got[1] != 2 {
		t.Fatalf("Get: %v %v", got, err)
	}
	got[0] = 9
	again, _ := s.Get(ctx, "ctx/alice")
	if again[0] != 1 {
		t.Error("returned slice aliases stored value")
	}
	if err := s.Delete(ctx, "ctx/alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "ctx/alice"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestMemoryStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "fcash/alice/1/100", []byte{1})
	_ = s.Set(ctx, "fcash/alice/1/200", []byte{2})
	_ = s.Set(ctx, "fcash/alice/2/100", []byte{3})
	_ = s.Set(ctx, "fcash/bob/1/100", []byte{4})

	got, err := s.Scan(ctx, "fcash/alice/1/")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 records, got %d", len(got))
	}
}

func TestUnitOfWork_CommitAppliesOverlay(t *testing.T) {
	ctx := context.Background()
	parent := NewMemoryStore()
	_ = parent.Set(ctx, "a", []byte{1})
	_ = parent.Set(ctx, "b", []byte{2})

	u := Begin(parent)
	_ = u.Set(ctx, "a", []byte{10})
	_ = u.Delete(ctx, "b")
	_ = u.Set(ctx, "c", []byte{3})

	if v, _ := u.Get(ctx, "a"); v[0] != 10 {
		t.Errorf("overlay read: want 10 got %d", v[0])
	}
	if _, err := u.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key should read as missing, got %v", err)
	}
	if v, _ := parent.Get(ctx, "a"); v[0] != 1 {
		t.Error("parent changed before commit")
	}

	scan, _ := u.Scan(ctx, "")
	if len(scan) != 2 {
		t.Errorf("overlay scan: want 2 records, got %d", len(scan))
	}

	if err := u.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v, _ := parent.Get(ctx, "a"); v[0] != 10 {
		t.Error("commit did not apply set")
	}
	if _, err := parent.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Error("commit did not apply delete")
	}
	if _, err := u.Get(ctx, "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after commit, got %v", err)
	}
}

func TestUnitOfWork_DiscardLeavesParent(t *testing.T) {
	ctx := context.Background()
	parent := NewMemoryStore()
	_ = parent.Set(ctx, "a", []byte{1})

	u := Begin(parent)
	_ = u.Set(ctx, "a", []byte{2})
	_ = u.Set(ctx, "b", []byte{3})
	u.Discard()

	if v, _ := parent.Get(ctx, "a"); v[0] != 1 {
		t.Error("discard leaked a write")
	}
	if parent.Len() != 1 {
		t.Errorf("expected 1 record, got %d", parent.Len())
	}
	if err := u.Commit(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestUnitOfWork_Nested(t *testing.T) {
	ctx := context.Background()
	parent := NewMemoryStore()
	outer := Begin(parent)
	inner := Begin(outer)

	_ = inner.Set(ctx, "k", []byte{7})
	if err := inner.Commit(ctx); err != nil {
		t.Fatalf("inner commit: %v", err)
	}
	if _, err := parent.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("inner commit reached the root store")
	}
	if v, _ := outer.Get(ctx, "k"); v[0] != 7 {
		t.Error("inner commit not visible in outer unit")
	}
	if err := outer.Commit(ctx); err != nil {
		t.Fatalf("outer commit: %v", err)
	}
	if v, _ := parent.Get(ctx, "k"); v[0] != 7 {
		t.Error("outer commit not applied")
	}
	if outer.ID == inner.ID {
		t.Error("units share an id")
	}
}

func TestUnitOfWork_WritesSorted(t *testing.T) {
	ctx := context.Background()
	u := Begin(NewMemoryStore())
	_ = u.Set(ctx, "b", []byte{1})
	_ = u.Delete(ctx, "a")
	w := u.Writes()
	if len(w) != 2 || w[0].Key != "a" || !w[0].Delete || w[1].Key != "b" {
		t.Errorf("unexpected writes %+v", w)
	}
}
