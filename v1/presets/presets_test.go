package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-editlock/v1/clock"
	"github.com/mirkobrombin/go-editlock/v1/config"
	"github.com/mirkobrombin/go-editlock/v1/lock"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/validator"
)

var alice = model.UserRef{ID: "alice", Name: "Alice"}

func TestNewInMemoryStandalone(t *testing.T) {
	s := NewInMemoryStandalone(config.Default())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	res, err := s.Coordinator.Acquire(ctx, lock.AcquireRequest{ContentID: "post-1", ContentType: model.ContentPost, Requester: alice})
	if err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if _, ok := s.Coordinator.CheckLock("post-1"); !ok {
		t.Fatal("expected active lock")
	}
}

func TestNewRedisRestoresState(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := NewRedis(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	events, err := first.Audit.Events(watchCtx, "post-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	res, err := first.Coordinator.Acquire(ctx, lock.AcquireRequest{ContentID: "post-1", ContentType: model.ContentPost, Requester: alice})
	if err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	select {
	case e := <-events:
		if e.LockID != res.Lock.ID || e.Action != model.ActionAcquire {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for acquire event")
	}
	stopWatch()
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewRedis(cfg, WithClock(clk))
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer second.Close()
	got, ok := second.Coordinator.CheckLock("post-1")
	if !ok || got.ID != res.Lock.ID || got.Owner != alice {
		t.Fatalf("expected restored lock, got %+v %v", got, ok)
	}
	if n := len(second.Audit.ForLock(got.ID)); n != 1 {
		t.Fatalf("expected restored history, got %d entries", n)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(config.Default()); err == nil {
		t.Fatal("expected error without address")
	}
}

func TestNewRedisValidationHealsDrift(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	s, err := NewRedis(cfg, WithValidation(validator.ModeAutoHeal, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	if _, err := s.Coordinator.Acquire(ctx, lock.AcquireRequest{ContentID: "post-1", ContentType: model.ContentPost, Requester: alice}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.Del("editlock:locks")

	deadline := time.Now().Add(3 * time.Second)
	for !mr.Exists("editlock:locks") {
		if time.Now().After(deadline) {
			t.Fatal("validator did not restore the locks hash")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Validator.Metrics() == 0 {
		t.Fatal("expected drift to be counted")
	}
}
