package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-editlock/v1/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newLock(id, content string, owner string) model.Lock {
	return model.Lock{
		ID:          id,
		ContentID:   content,
		ContentType: model.ContentPost,
		Status:      model.StatusLocked,
		Owner:       model.UserRef{ID: owner},
		AcquiredAt:  t0,
		ExpiresAt:   t0.Add(time.Minute),
	}
}

type failingPersister struct {
	saves int
	err   error
}

func (p *failingPersister) Save(ctx context.Context, c Changes) error {
	p.saves++
	return p.err
}

func (p *failingPersister) Load(ctx context.Context) (Snapshot, error) {
	return Snapshot{}, p.err
}

func TestUpdateCommitsAndIndexesActiveLocks(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		tx.PutLock(newLock("l1", "post-1", "alice"))
		tx.Append(model.HistoryEntry{ID: "h1", LockID: "l1", Action: model.ActionAcquire})
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	l, ok := s.ActiveLock("post-1")
	if !ok || l.ID != "l1" {
		t.Fatalf("expected active lock l1, got %+v ok %v", l, ok)
	}
	h := s.History()
	if len(h) != 1 || h[0].Seq != 1 {
		t.Fatalf("expected one history entry with seq 1, got %+v", h)
	}

	err = s.Update(ctx, func(tx *Tx) error {
		l, _ := tx.Lock("l1")
		l.Status = model.StatusUnlocked
		tx.PutLock(l)
		tx.Append(model.HistoryEntry{ID: "h2", LockID: "l1", Action: model.ActionRelease})
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := s.ActiveLock("post-1"); ok {
		t.Fatal("expected no active lock after unlock")
	}
	if l, ok := s.Lock("l1"); !ok || l.Status != model.StatusUnlocked {
		t.Fatalf("expected l1 kept as unlocked, got %+v", l)
	}
	if h := s.History(); len(h) != 2 || h[1].Seq != 2 {
		t.Fatalf("expected seq 2 appended, got %+v", h)
	}
}

func TestUpdateErrorDiscardsStagedWrites(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx *Tx) error {
		tx.PutLock(newLock("l1", "post-1", "alice"))
		if _, ok := tx.ActiveLock("post-1"); !ok {
			t.Fatal("staged lock should be visible inside the transaction")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := s.Lock("l1"); ok {
		t.Fatal("staged lock leaked after failed update")
	}
}

func TestCommitRejectsSecondActiveLock(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Update(ctx, func(tx *Tx) error {
		tx.PutLock(newLock("l1", "post-1", "alice"))
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := s.Update(ctx, func(tx *Tx) error {
		tx.PutLock(newLock("l2", "post-1", "bob"))
		return nil
	})
	if !errors.Is(err, ErrActiveLockExists) {
		t.Fatalf("expected ErrActiveLockExists, got %v", err)
	}
	if l, _ := s.ActiveLock("post-1"); l.ID != "l1" {
		t.Fatalf("expected l1 to remain active, got %s", l.ID)
	}
}

func TestPersisterFailureLeavesStateUntouched(t *testing.T) {
	p := &failingPersister{err: errors.New("disk full")}
	s := New(WithPersister(p))
	err := s.Update(context.Background(), func(tx *Tx) error {
		tx.PutLock(newLock("l1", "post-1", "alice"))
		return nil
	})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if p.saves != 1 {
		t.Fatalf("expected one save attempt, got %d", p.saves)
	}
	if len(s.Locks()) != 0 {
		t.Fatal("expected no locks after failed persist")
	}
}

func TestEmptyUpdateSkipsPersister(t *testing.T) {
	p := &failingPersister{err: errors.New("unreachable")}
	s := New(WithPersister(p))
	if err := s.Update(context.Background(), func(tx *Tx) error { return nil }); err != nil {
		t.Fatalf("expected nil for empty update, got %v", err)
	}
	if p.saves != 0 {
		t.Fatalf("expected no saves, got %d", p.saves)
	}
}

func TestRestoreRebuildsIndexes(t *testing.T) {
	released := newLock("l0", "post-1", "alice")
	released.Status = model.StatusUnlocked
	snap := Snapshot{
		Locks: []model.Lock{released, newLock("l1", "post-1", "bob")},
		Conflicts: []model.Conflict{
			{ID: "c2", ContentID: "post-1", RequestedAt: t0.Add(2 * time.Second)},
			{ID: "c1", ContentID: "post-1", RequestedAt: t0.Add(time.Second)},
		},
		History: []model.HistoryEntry{
			{ID: "h2", Seq: 2, LockID: "l0", Action: model.ActionRelease},
			{ID: "h1", Seq: 1, LockID: "l0", Action: model.ActionAcquire},
		},
	}
	s := New()
	if err := s.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if l, ok := s.ActiveLock("post-1"); !ok || l.ID != "l1" {
		t.Fatalf("expected l1 active, got %+v", l)
	}
	cs := s.Conflicts()
	if len(cs) != 2 || cs[0].ID != "c1" {
		t.Fatalf("expected conflicts ordered by request time, got %+v", cs)
	}
	h := s.History()
	if h[0].ID != "h1" || h[1].ID != "h2" {
		t.Fatalf("expected history ordered by seq, got %+v", h)
	}

	if err := s.Update(context.Background(), func(tx *Tx) error {
		e := tx.Append(model.HistoryEntry{ID: "h3", LockID: "l1", Action: model.ActionExtend})
		if e.Seq != 3 {
			t.Fatalf("expected seq 3 after restore, got %d", e.Seq)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestRestoreRejectsDuplicateActiveLocks(t *testing.T) {
	s := New()
	err := s.Restore(Snapshot{Locks: []model.Lock{
		newLock("l1", "post-1", "alice"),
		newLock("l2", "post-1", "bob"),
	}})
	if !errors.Is(err, ErrActiveLockExists) {
		t.Fatalf("expected ErrActiveLockExists, got %v", err)
	}
}

func TestActiveLocksOfMergesStagedAndCommitted(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Update(ctx, func(tx *Tx) error {
		tx.PutLock(newLock("l1", "post-1", "alice"))
		tx.PutLock(newLock("l2", "post-2", "alice"))
		tx.PutLock(newLock("l3", "post-3", "bob"))
		return nil
	})
	_ = s.Update(ctx, func(tx *Tx) error {
		l, _ := tx.Lock("l1")
		l.Status = model.StatusUnlocked
		tx.PutLock(l)
		got := tx.ActiveLocksOf("alice")
		if len(got) != 1 || got[0].ID != "l2" {
			t.Fatalf("expected only l2 for alice, got %+v", got)
		}
		return nil
	})
}
