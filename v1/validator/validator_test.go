package validator

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-editlock/v1/adapter"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.Update(context.Background(), func(tx *store.Tx) error {
		l := model.Lock{ID: "l1", ContentID: "post-1", Status: model.StatusLocked, AcquiredAt: at, ExpiresAt: at.Add(time.Minute)}
		tx.PutLock(l)
		tx.Append(model.HistoryEntry{ID: "h1", LockID: "l1", ContentID: "post-1", Action: model.ActionAcquire, Timestamp: at})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestValidatorInSync(t *testing.T) {
	p := adapter.NewInMemoryPersister()
	s := store.New(store.WithPersister(p))
	seed(t, s)
	n, err := New(s, p, ModeAlert, time.Minute).Scan(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected no drift, got %d err %v", n, err)
	}
}

func TestValidatorAutoHeal(t *testing.T) {
	ctx := context.Background()
	s := store.New()
	seed(t, s)
	p := adapter.NewInMemoryPersister()

	v := New(s, p, ModeAutoHeal, time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go v.Run(runCtx)

	deadline := time.Now().Add(time.Second)
	for v.Metrics() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected mismatch metrics > 0")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	snap, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Locks) != 1 || snap.Locks[0].ID != "l1" || len(snap.History) != 1 {
		t.Fatalf("expected persister healed, got %+v", snap)
	}
	if n, err := v.Scan(ctx); err != nil || n != 0 {
		t.Fatalf("expected no drift after heal, got %d err %v", n, err)
	}
}

func TestValidatorAlertDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	s := store.New()
	seed(t, s)
	p := adapter.NewInMemoryPersister()

	n, err := New(s, p, ModeAlert, time.Minute).Scan(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected lock and history drift, got %d err %v", n, err)
	}
	snap, _ := p.Load(ctx)
	if len(snap.Locks) != 0 {
		t.Fatalf("alert mode must not write, got %+v", snap.Locks)
	}
}
