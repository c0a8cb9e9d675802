package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-editlock/v1/config"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/model"
)

func TestResolveTakeover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	held := f.acquire(t, "post-42", alice).Lock
	f.clk.Set(epoch.Add(10 * time.Second))
	cf := f.acquire(t, "post-42", bob).Conflict
	f.clk.Set(epoch.Add(15 * time.Second))

	got, err := f.resolver.Resolve(ctx, cf.ID, model.ResolutionTakeover)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved || got.Resolution != model.ResolutionTakeover || got.ResolvedAt == nil {
		t.Fatalf("unexpected conflict %+v", got)
	}
	cur, ok := f.coord.CheckLock("post-42")
	if !ok || cur.ID != held.ID || cur.Owner != bob {
		t.Fatalf("expected bob on the same lock, got %+v", cur)
	}
	if !cur.ExpiresAt.Equal(epoch.Add(75 * time.Second)) {
		t.Fatalf("expected expiry at t=75, got %v", cur.ExpiresAt.Sub(epoch))
	}
	h := f.audit.ForLock(held.ID)
	if h[len(h)-1].Action != model.ActionTakeover || h[len(h)-1].Actor != bob {
		t.Fatalf("expected takeover entry, got %+v", h[len(h)-1])
	}
	if n := len(f.resolver.Unresolved()); n != 0 {
		t.Fatalf("expected no open conflicts, got %d", n)
	}
}

func TestResolveWaitAndDismiss(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	held := f.acquire(t, "post-42", alice).Lock
	wait := f.acquire(t, "post-42", bob).Conflict
	dismiss := f.acquire(t, "post-42", carol).Conflict

	if _, err := f.resolver.Resolve(ctx, wait.ID, model.ResolutionWait); err != nil {
		t.Fatalf("resolve wait: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, dismiss.ID, model.ResolutionDismissed); err != nil {
		t.Fatalf("resolve dismissed: %v", err)
	}
	if cur, _ := f.coord.CheckLock("post-42"); cur != held {
		t.Fatalf("holder's lock changed: %+v", cur)
	}
	if n := len(f.audit.ForLock(held.ID)); n != 1 {
		t.Fatalf("wait and dismiss must not add history, got %d entries", n)
	}
	got, ok := f.resolver.Get(wait.ID)
	if !ok || got.Resolution != model.ResolutionWait {
		t.Fatalf("unexpected conflict %+v", got)
	}
}

func TestResolveErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	held := f.acquire(t, "post-42", alice).Lock
	cf := f.acquire(t, "post-42", bob).Conflict

	if _, err := f.resolver.Resolve(ctx, "nope", model.ResolutionWait); !errors.Is(err, editerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, cf.ID, "later"); !errors.Is(err, editerrors.ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, cf.ID, model.ResolutionDismissed); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, cf.ID, model.ResolutionTakeover); !errors.Is(err, editerrors.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if cur, _ := f.coord.CheckLock("post-42"); cur.Owner != alice || cur.ID != held.ID {
		t.Fatalf("holder changed: %+v", cur)
	}
}

func TestFailedTakeoverKeepsConflictOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	held := f.acquire(t, "post-42", alice).Lock
	cf := f.acquire(t, "post-42", bob).Conflict
	if err := f.coord.Release(ctx, held.ID, alice); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := f.resolver.Resolve(ctx, cf.ID, model.ResolutionTakeover); !errors.Is(err, editerrors.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	got, _ := f.resolver.Get(cf.ID)
	if got.Resolved {
		t.Fatal("conflict must stay open after a failed takeover")
	}
	if _, err := f.resolver.Resolve(ctx, cf.ID, model.ResolutionWait); err != nil {
		t.Fatalf("resolve wait: %v", err)
	}
}

func TestResolveTakeoverDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AllowTakeover = false })
	f.acquire(t, "post-42", alice)
	cf := f.acquire(t, "post-42", bob).Conflict
	if _, err := f.resolver.Resolve(context.Background(), cf.ID, model.ResolutionTakeover); !errors.Is(err, editerrors.ErrTakeoverDisabled) {
		t.Fatalf("expected ErrTakeoverDisabled, got %v", err)
	}
	if n := len(f.resolver.Unresolved()); n != 1 {
		t.Fatalf("expected the conflict to stay open, got %d", n)
	}
}
