package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "editlock"
)

// RedisPersister stores locks and conflicts in Redis hashes keyed by id and
// the history in a list. Each Save is a single MULTI/EXEC transaction.
type RedisPersister struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisPersister.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix  string
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the key prefix. Defaults to "editlock".
func WithPrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		o.prefix = prefix
	}
}

// NewRedisPersister returns a RedisPersister using client.
func NewRedisPersister(client *redis.Client, opts ...RedisOption) *RedisPersister {
	o := redisOptions{prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisPersister{client: client, prefix: o.prefix, timeout: o.timeout}
}

func (p *RedisPersister) locksKey() string     { return p.prefix + ":locks" }
func (p *RedisPersister) conflictsKey() string { return p.prefix + ":conflicts" }
func (p *RedisPersister) historyKey() string   { return p.prefix + ":history" }

// Save implements store.Persister.
func (p *RedisPersister) Save(ctx context.Context, c store.Changes) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pipe := p.client.TxPipeline()
	for _, l := range c.Locks {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode lock %s: %w", l.ID, err)
		}
		pipe.HSet(cctx, p.locksKey(), l.ID, data)
	}
	for _, cf := range c.Conflicts {
		data, err := json.Marshal(cf)
		if err != nil {
			return fmt.Errorf("encode conflict %s: %w", cf.ID, err)
		}
		pipe.HSet(cctx, p.conflictsKey(), cf.ID, data)
	}
	if len(c.History) > 0 {
		entries := make([]interface{}, 0, len(c.History))
		for _, e := range c.History {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode history entry %s: %w", e.ID, err)
			}
			entries = append(entries, data)
		}
		pipe.RPush(cctx, p.historyKey(), entries...)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// Load implements store.Persister.
func (p *RedisPersister) Load(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var snap store.Snapshot
	locks, err := p.client.HGetAll(cctx, p.locksKey()).Result()
	if err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for id, raw := range locks {
		var l model.Lock
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode lock %s: %w", id, err)
		}
		snap.Locks = append(snap.Locks, l)
	}

	conflicts, err := p.client.HGetAll(cctx, p.conflictsKey()).Result()
	if err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for id, raw := range conflicts {
		var cf model.Conflict
		if err := json.Unmarshal([]byte(raw), &cf); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode conflict %s: %w", id, err)
		}
		snap.Conflicts = append(snap.Conflicts, cf)
	}

	history, err := p.client.LRange(cctx, p.historyKey(), 0, -1).Result()
	if err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for i, raw := range history {
		var e model.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode history entry %d: %w", i, err)
		}
		snap.History = append(snap.History, e)
	}
	return snap, nil
}
