package watchbus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// InMemoryWatchBus is an in-memory implementation of WatchBus. Publishing
// never blocks: a watcher whose buffer is full misses the message.
type InMemoryWatchBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	buffer  int
	dropped atomic.Uint64
}

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithBuffer sets the per-watcher channel capacity.
func WithBuffer(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{subs: make(map[string][]chan []byte), buffer: defaultBuffer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers. Unwatching an unknown
// channel is a no-op.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Dropped returns how many messages were discarded because a watcher was
// not keeping up.
func (b *InMemoryWatchBus) Dropped() uint64 {
	return b.dropped.Load()
}
