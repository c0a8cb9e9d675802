package watchbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

type natsWatch struct {
	sub *nats.Subscription
	ch  chan []byte
}

// NATSWatchBus implements WatchBus on NATS subjects. Keys are used as
// subjects verbatim, so dotted keys form a subject hierarchy.
type NATSWatchBus struct {
	conn    *nats.Conn
	mu      sync.Mutex
	watches map[chan []byte]*natsWatch
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn) *NATSWatchBus {
	return &NATSWatchBus{conn: conn, watches: make(map[chan []byte]*natsWatch)}
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(key, data)
}

// Watch implements WatchBus.Watch.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, defaultBuffer)
	w := &natsWatch{ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := b.conn.Subscribe(key, func(msg *nats.Msg) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watches[ch]; !ok {
			return
		}
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	// The subscription must reach the server before Watch returns, otherwise
	// an immediate Publish can overtake it.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	w.sub = sub
	b.watches[ch] = w

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.watches[ch]
	if ok {
		delete(b.watches, ch)
		close(ch)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return w.sub.Unsubscribe()
}
