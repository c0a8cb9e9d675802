package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamMaxLen = 10000
	redisReadBlock      = time.Second
)

// RedisWatchBus uses Redis Streams to implement WatchBus. Every key is a
// stream, so late consumers can replay recent history with XRANGE.
type RedisWatchBus struct {
	client  *redis.Client
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithStreamMaxLen caps each stream to n entries.
func WithStreamMaxLen(n int64) RedisOption {
	return func(b *RedisWatchBus) {
		b.maxLen = n
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		maxLen:  defaultStreamMaxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish adds a new message to the Redis stream identified by key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads messages appended to the stream after the call returns.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	lastID := "0-0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(last) > 0 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, defaultBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   redisReadBlock,
				Count:   16,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					time.Sleep(redisReadBlock)
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unwatch stops watching the given key and channel. The channel is closed
// once the reader goroutine exits.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	var cancel context.CancelFunc
	if m, ok := b.cancels[key]; ok {
		cancel = m[ch]
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
