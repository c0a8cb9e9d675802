package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSWatchBus(t *testing.T) *NATSWatchBus {
	t.Helper()
	addr := os.Getenv("EDITLOCK_TEST_NATS_ADDR")

	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	} else {
		t.Logf("using real NATS at %s", addr)
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSWatchBus(conn)
}

func TestNATSWatchBusPublishWatch(t *testing.T) {
	bus := newNATSWatchBus(t)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "editlock.events.post-42")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "editlock.events.post-42", []byte(`{"action":"acquire"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != `{"action":"acquire"}` {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := bus.Unwatch(ctx, "editlock.events.post-42", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	// A second unwatch of the same channel is a no-op.
	if err := bus.Unwatch(ctx, "editlock.events.post-42", ch); err != nil {
		t.Fatalf("second unwatch: %v", err)
	}
}

func TestNATSWatchBusContextCancel(t *testing.T) {
	bus := newNATSWatchBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "editlock.events")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
