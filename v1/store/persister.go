package store

import (
	"context"

	"github.com/mirkobrombin/go-editlock/v1/model"
)

// Changes carries the records written by one committed transaction, in the
// order they were staged.
type Changes struct {
	Locks     []model.Lock
	Conflicts []model.Conflict
	History   []model.HistoryEntry
}

// Empty reports whether the transaction wrote nothing.
func (c Changes) Empty() bool {
	return len(c.Locks) == 0 && len(c.Conflicts) == 0 && len(c.History) == 0
}

// Snapshot is a full copy of a store's records.
type Snapshot struct {
	Locks     []model.Lock
	Conflicts []model.Conflict
	History   []model.HistoryEntry
}

// Persister writes committed changes to an external store and reads them back
// on startup. Save must be all-or-nothing for a single Changes value.
type Persister interface {
	Save(ctx context.Context, c Changes) error
	Load(ctx context.Context) (Snapshot, error)
}
