package store

import (
	"context"

	"github.com/mirkobrombin/go-editlock/v1/model"
)

// Tx stages writes for a single Update call. Reads through a Tx observe the
// staged writes first. A Tx must not be used after its Update returns.
type Tx struct {
	ctx context.Context
	s   *Store

	locks         map[string]model.Lock
	lockOrder     []string
	conflicts     map[string]model.Conflict
	conflictOrder []string
	history       []model.HistoryEntry
}

func newTx(ctx context.Context, s *Store) *Tx {
	return &Tx{
		ctx:       ctx,
		s:         s,
		locks:     make(map[string]model.Lock),
		conflicts: make(map[string]model.Conflict),
	}
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Lock returns the lock with the given id.
func (tx *Tx) Lock(id string) (model.Lock, bool) {
	if l, ok := tx.locks[id]; ok {
		return l, true
	}
	l, ok := tx.s.locks[id]
	return l, ok
}

// ActiveLock returns the Locked lock on contentID, if any.
func (tx *Tx) ActiveLock(contentID string) (model.Lock, bool) {
	for _, id := range tx.lockOrder {
		if l := tx.locks[id]; l.ContentID == contentID && l.Active() {
			return l, true
		}
	}
	id, ok := tx.s.active[contentID]
	if !ok {
		return model.Lock{}, false
	}
	if l, _ := tx.Lock(id); l.Active() {
		return l, true
	}
	return model.Lock{}, false
}

// ActiveLocksOf returns the Locked locks owned by userID.
func (tx *Tx) ActiveLocksOf(userID string) []model.Lock {
	seen := make(map[string]struct{})
	var out []model.Lock
	for _, id := range tx.lockOrder {
		seen[id] = struct{}{}
		if l := tx.locks[id]; l.Active() && l.OwnedBy(userID) {
			out = append(out, l)
		}
	}
	for _, id := range tx.s.active {
		if _, ok := seen[id]; ok {
			continue
		}
		if l := tx.s.locks[id]; l.OwnedBy(userID) {
			out = append(out, l)
		}
	}
	return out
}

// PutLock stages l.
func (tx *Tx) PutLock(l model.Lock) {
	if _, ok := tx.locks[l.ID]; !ok {
		tx.lockOrder = append(tx.lockOrder, l.ID)
	}
	tx.locks[l.ID] = l
}

// Conflict returns the conflict with the given id.
func (tx *Tx) Conflict(id string) (model.Conflict, bool) {
	if c, ok := tx.conflicts[id]; ok {
		return c, true
	}
	c, ok := tx.s.conflicts[id]
	return c, ok
}

// PutConflict stages c.
func (tx *Tx) PutConflict(c model.Conflict) {
	if _, ok := tx.conflicts[c.ID]; !ok {
		tx.conflictOrder = append(tx.conflictOrder, c.ID)
	}
	tx.conflicts[c.ID] = c
}

// Append stages a history entry and assigns its sequence number.
func (tx *Tx) Append(e model.HistoryEntry) model.HistoryEntry {
	e.Seq = tx.s.seq + uint64(len(tx.history)) + 1
	tx.history = append(tx.history, e)
	return e
}

func (tx *Tx) changes() Changes {
	c := Changes{History: tx.history}
	for _, id := range tx.lockOrder {
		c.Locks = append(c.Locks, tx.locks[id])
	}
	for _, id := range tx.conflictOrder {
		c.Conflicts = append(c.Conflicts, tx.conflicts[id])
	}
	return c
}
