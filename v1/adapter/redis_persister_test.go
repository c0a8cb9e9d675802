package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-editlock/v1/adapter"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

// newRedisClient returns a client connected to a fresh miniredis server.
func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisPersister(t *testing.T) {
	client, _ := newRedisClient(t)
	exercisePersister(t, adapter.NewRedisPersister(client))
}

func TestRedisPersisterLayout(t *testing.T) {
	client, mr := newRedisClient(t)
	p := adapter.NewRedisPersister(client, adapter.WithPrefix("cms"))
	ctx := context.Background()
	err := p.Save(ctx, store.Changes{
		Locks:   []model.Lock{{ID: "l1", ContentID: "post-1", Status: model.StatusLocked}},
		History: []model.HistoryEntry{{ID: "h1", Seq: 1, LockID: "l1", Action: model.ActionAcquire}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("cms:locks") || !mr.Exists("cms:history") {
		t.Fatalf("expected prefixed keys, got %v", mr.Keys())
	}
	if mr.Exists("cms:conflicts") {
		t.Fatal("conflicts hash should not exist without conflicts")
	}
}

func TestRedisPersisterClosedClient(t *testing.T) {
	client, _ := newRedisClient(t)
	p := adapter.NewRedisPersister(client)
	_ = client.Close()
	err := p.Save(context.Background(), store.Changes{Locks: []model.Lock{{ID: "l1"}}})
	if !errors.Is(err, editerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if _, err := p.Load(context.Background()); !errors.Is(err, editerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRedisPersisterCorruptRecord(t *testing.T) {
	client, mr := newRedisClient(t)
	mr.HSet("editlock:locks", "l1", "{not json")
	if _, err := adapter.NewRedisPersister(client).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}
