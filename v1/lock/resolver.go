package lock

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/model"
)

// Resolver settles the conflicts recorded by a Coordinator. Unresolved
// conflicts are advisory and never block another operation.
type Resolver struct {
	c *Coordinator
}

// NewResolver returns a Resolver for the conflicts recorded by c.
func NewResolver(c *Coordinator) *Resolver {
	return &Resolver{c: c}
}

// Resolve closes a conflict with the given resolution. A takeover resolution
// transfers the contended lock to the original requester; if the transfer
// fails the conflict stays open.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution model.Resolution) (cf model.Conflict, err error) {
	ctx, span := r.c.startSpan(ctx, "Resolver.Resolve",
		attribute.String("editlock.conflict_id", conflictID),
		attribute.String("editlock.resolution", string(resolution)))
	defer func() { endSpan(span, err) }()

	if !resolution.Valid() {
		return model.Conflict{}, fmt.Errorf("resolve %s: %w: %q", conflictID, editerrors.ErrInvalidResolution, resolution)
	}

	var took model.Lock
	err = r.c.update(ctx, func(t *txn) error {
		cur, ok := t.Conflict(conflictID)
		if !ok {
			return editerrors.ErrNotFound
		}
		if cur.Resolved {
			return editerrors.ErrAlreadyResolved
		}
		if resolution == model.ResolutionTakeover {
			l, ok := t.Lock(cur.CurrentLock.ID)
			if !ok {
				return editerrors.ErrNotFound
			}
			l, err := r.c.takeover(t, l, cur.RequestedBy)
			if err != nil {
				return err
			}
			took = l
		}
		now := t.now
		cur.Resolved = true
		cur.Resolution = resolution
		cur.ResolvedAt = &now
		t.PutConflict(cur)
		cf = cur
		return nil
	})
	if err != nil {
		return model.Conflict{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	if resolution == model.ResolutionTakeover {
		r.c.metrics.IncTakeovers()
		r.c.logger.Info("editlock: conflict resolved by takeover",
			"conflict_id", conflictID, "lock_id", took.ID, "actor", took.Owner.ID)
	} else {
		r.c.logger.Debug("editlock: conflict resolved",
			"conflict_id", conflictID, "resolution", resolution)
	}
	return cf, nil
}

// Get returns the conflict with the given id.
func (r *Resolver) Get(conflictID string) (model.Conflict, bool) {
	return r.c.store.Conflict(conflictID)
}

// Unresolved returns the open conflicts in creation order.
func (r *Resolver) Unresolved() []model.Conflict {
	var out []model.Conflict
	for _, cf := range r.c.store.Conflicts() {
		if !cf.Resolved {
			out = append(out, cf)
		}
	}
	return out
}

// ForContent returns every conflict recorded on contentID in creation order.
func (r *Resolver) ForContent(contentID string) []model.Conflict {
	var out []model.Conflict
	for _, cf := range r.c.store.Conflicts() {
		if cf.ContentID == contentID {
			out = append(out, cf)
		}
	}
	return out
}
