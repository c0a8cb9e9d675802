// Package adapter provides store.Persister implementations that write every
// committed lock transition to an external backend and rebuild the store
// from it on startup.
package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"

	redis "github.com/redis/go-redis/v9"

	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

// mapErr translates backend failures to the package's sentinel errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return editerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return editerrors.ErrConnectionClosed
	}
	return err
}

// InMemoryPersister keeps the persisted records in process memory. It
// survives a store being discarded and rebuilt, which makes it useful for
// restart tests and the bench tool.
type InMemoryPersister struct {
	mu        sync.RWMutex
	locks     map[string]model.Lock
	conflicts map[string]model.Conflict
	history   []model.HistoryEntry
}

// NewInMemoryPersister returns an empty InMemoryPersister.
func NewInMemoryPersister() *InMemoryPersister {
	return &InMemoryPersister{
		locks:     make(map[string]model.Lock),
		conflicts: make(map[string]model.Conflict),
	}
}

// Save implements store.Persister.
func (p *InMemoryPersister) Save(ctx context.Context, c store.Changes) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range c.Locks {
		p.locks[l.ID] = l
	}
	for _, cf := range c.Conflicts {
		p.conflicts[cf.ID] = cf
	}
	p.history = append(p.history, c.History...)
	return nil
}

// Load implements store.Persister.
func (p *InMemoryPersister) Load(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var snap store.Snapshot
	for _, l := range p.locks {
		snap.Locks = append(snap.Locks, l)
	}
	for _, cf := range p.conflicts {
		snap.Conflicts = append(snap.Conflicts, cf)
	}
	snap.History = append(snap.History, p.history...)
	sort.Slice(snap.Locks, func(i, j int) bool { return snap.Locks[i].ID < snap.Locks[j].ID })
	return snap, nil
}
