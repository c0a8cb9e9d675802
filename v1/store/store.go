package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mirkobrombin/go-editlock/v1/model"
)

// ErrActiveLockExists is returned when a commit would leave two Locked locks
// on the same content item.
var ErrActiveLockExists = errors.New("editlock: content already has an active lock")

// Store is the in-memory lock state owned by a coordinator.
type Store struct {
	mu            sync.RWMutex
	locks         map[string]model.Lock
	active        map[string]string // contentID -> lockID, only while Locked
	conflicts     map[string]model.Conflict
	conflictOrder []string
	history       []model.HistoryEntry
	seq           uint64
	persister     Persister
}

// Option configures a Store.
type Option func(*Store)

// WithPersister writes every committed transaction through p.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		locks:     make(map[string]model.Lock),
		active:    make(map[string]string),
		conflicts: make(map[string]model.Conflict),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update runs fn inside a transaction holding the store's write lock. If fn
// returns an error, or the persister rejects the changes, nothing is applied.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(ctx, s)
	if err := fn(tx); err != nil {
		return err
	}
	return s.commitLocked(tx)
}

func (s *Store) commitLocked(tx *Tx) error {
	changes := tx.changes()
	if changes.Empty() {
		return nil
	}
	staged := make(map[string]string)
	for _, l := range changes.Locks {
		if !l.Active() {
			continue
		}
		if id, ok := staged[l.ContentID]; ok {
			return fmt.Errorf("%w: %s and %s on %s", ErrActiveLockExists, id, l.ID, l.ContentID)
		}
		staged[l.ContentID] = l.ID
		if id, ok := s.active[l.ContentID]; ok && id != l.ID {
			if cur, _ := tx.Lock(id); cur.Active() {
				return fmt.Errorf("%w: %s holds %s", ErrActiveLockExists, id, l.ContentID)
			}
		}
	}
	if s.persister != nil {
		if err := s.persister.Save(tx.ctx, changes); err != nil {
			return fmt.Errorf("persist changes: %w", err)
		}
	}

	for _, l := range changes.Locks {
		s.locks[l.ID] = l
		if l.Active() {
			s.active[l.ContentID] = l.ID
		} else if s.active[l.ContentID] == l.ID {
			delete(s.active, l.ContentID)
		}
	}
	for _, c := range changes.Conflicts {
		if _, ok := s.conflicts[c.ID]; !ok {
			s.conflictOrder = append(s.conflictOrder, c.ID)
		}
		s.conflicts[c.ID] = c
	}
	s.history = append(s.history, changes.History...)
	if n := len(changes.History); n > 0 {
		s.seq = changes.History[n-1].Seq
	}
	return nil
}

// Load replaces the store contents with the persister's snapshot. It is a
// no-op when no persister is configured.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return s.Restore(snap)
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) error {
	locks := make(map[string]model.Lock, len(snap.Locks))
	active := make(map[string]string)
	for _, l := range snap.Locks {
		locks[l.ID] = l
		if !l.Active() {
			continue
		}
		if id, ok := active[l.ContentID]; ok {
			return fmt.Errorf("%w: %s and %s on %s", ErrActiveLockExists, id, l.ID, l.ContentID)
		}
		active[l.ContentID] = l.ID
	}

	conflicts := append([]model.Conflict(nil), snap.Conflicts...)
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].RequestedAt.Before(conflicts[j].RequestedAt)
	})
	byID := make(map[string]model.Conflict, len(conflicts))
	order := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		if _, ok := byID[c.ID]; !ok {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}

	history := append([]model.HistoryEntry(nil), snap.History...)
	sort.SliceStable(history, func(i, j int) bool { return history[i].Seq < history[j].Seq })
	var seq uint64
	if n := len(history); n > 0 {
		seq = history[n-1].Seq
	}

	s.mu.Lock()
	s.locks = locks
	s.active = active
	s.conflicts = byID
	s.conflictOrder = order
	s.history = history
	s.seq = seq
	s.mu.Unlock()
	return nil
}

// Lock returns the lock with the given id regardless of its status.
func (s *Store) Lock(id string) (model.Lock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[id]
	return l, ok
}

// ActiveLock returns the Locked lock on contentID, if any.
func (s *Store) ActiveLock(contentID string) (model.Lock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[contentID]
	if !ok {
		return model.Lock{}, false
	}
	return s.locks[id], true
}

// ActiveCount returns the number of Locked locks.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// ActiveLocks returns every Locked lock ordered by content id.
func (s *Store) ActiveLocks() []model.Lock {
	s.mu.RLock()
	out := make([]model.Lock, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.locks[id])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}

// Locks returns every lock ever created, ordered by acquisition time.
func (s *Store) Locks() []model.Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locksLocked()
}

func (s *Store) locksLocked() []model.Lock {
	out := make([]model.Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// Conflict returns the conflict with the given id.
func (s *Store) Conflict(id string) (model.Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	return c, ok
}

// Conflicts returns every conflict in creation order.
func (s *Store) Conflicts() []model.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conflictsLocked()
}

func (s *Store) conflictsLocked() []model.Conflict {
	out := make([]model.Conflict, 0, len(s.conflictOrder))
	for _, id := range s.conflictOrder {
		out = append(out, s.conflicts[id])
	}
	return out
}

// History returns a copy of the full history in append order.
func (s *Store) History() []model.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.HistoryEntry(nil), s.history...)
}

// Snapshot returns a consistent copy of every record held by the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Inspect calls fn with a snapshot while holding off every commit, so fn can
// compare the store with its persister without racing a transaction.
func (s *Store) Inspect(fn func(Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.snapshotLocked())
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Locks:     s.locksLocked(),
		Conflicts: s.conflictsLocked(),
		History:   append([]model.HistoryEntry(nil), s.history...),
	}
}
