package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-editlock/v1/audit"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	"github.com/mirkobrombin/go-editlock/v1/config"
	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-editlock/v1/lock")

// AcquireRequest describes a claim on a content item.
type AcquireRequest struct {
	ContentID   string
	ContentType model.ContentType
	Title       string
	Requester   model.UserRef
}

// AcquireResult is the outcome of Acquire. When Granted is false, Conflict
// holds the recorded contention and Lock is the holder's lock.
type AcquireResult struct {
	Granted  bool
	Lock     model.Lock
	Conflict *model.Conflict
}

// LockStatus is the presentation view of a content item's lock as seen by
// one viewer.
type LockStatus struct {
	IsLocked             bool          `json:"is_locked"`
	LockID               string        `json:"lock_id,omitempty"`
	LockedBy             model.UserRef `json:"locked_by"`
	LockedAt             time.Time     `json:"locked_at"`
	ExpiresAt            time.Time     `json:"expires_at"`
	Remaining            time.Duration `json:"remaining"`
	CanEdit              bool          `json:"can_edit"`
	CanTakeover          bool          `json:"can_takeover"`
	ExpiringSoon         bool          `json:"expiring_soon"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

// Coordinator serializes every lock transition through a single store.
type Coordinator struct {
	store   *store.Store
	audit   *audit.Log
	cfg     config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	traceEnabled bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		co.logger = l
	}
}

// WithMetrics records operation counters on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(co *Coordinator) {
		co.metrics = m
	}
}

// WithTracing enables OpenTelemetry spans around coordinator operations.
func WithTracing() Option {
	return func(co *Coordinator) {
		co.traceEnabled = true
	}
}

// New returns a Coordinator over s that records history in a.
func New(s *store.Store, a *audit.Log, cfg config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  s,
		audit:  a,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() config.Config {
	return c.cfg
}

// txn wraps a store transaction with the instant it observed and the history
// entries it staged.
type txn struct {
	*store.Tx
	c       *Coordinator
	now     time.Time
	entries []model.HistoryEntry
}

func (t *txn) record(l model.Lock, action model.Action, actor model.UserRef, details string) {
	e := t.c.audit.Append(t.Tx, model.HistoryEntry{
		LockID:    l.ID,
		ContentID: l.ContentID,
		Action:    action,
		Actor:     actor,
		Timestamp: t.now,
		Details:   details,
	})
	t.entries = append(t.entries, e)
}

// update runs fn in a store transaction and publishes the staged history
// once it has committed.
func (c *Coordinator) update(ctx context.Context, fn func(t *txn) error) error {
	t := &txn{c: c}
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		t.Tx = tx
		t.now = c.clock.Now()
		t.entries = t.entries[:0]
		return fn(t)
	})
	if err != nil {
		return err
	}
	c.audit.Publish(ctx, t.entries...)
	c.metrics.SetActive(c.store.ActiveCount())
	return nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func newSessionID() (string, error) {
	id, err := hcuuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

// Acquire grants req.Requester the lock on req.ContentID when no other
// editor holds it. A repeated Acquire by the holder refreshes its activity
// and returns the existing lock. Contention is reported through the result,
// not as an error.
func (c *Coordinator) Acquire(ctx context.Context, req AcquireRequest) (res AcquireResult, err error) {
	ctx, span := c.startSpan(ctx, "Coordinator.Acquire",
		attribute.String("editlock.content_id", req.ContentID),
		attribute.String("editlock.actor", req.Requester.ID))
	defer func() { endSpan(span, err) }()

	if req.ContentID == "" || req.Requester.ID == "" {
		return AcquireResult{}, fmt.Errorf("%w: content id and requester are required", editerrors.ErrInvalidRequest)
	}
	if !req.ContentType.Valid() {
		return AcquireResult{}, fmt.Errorf("%w: unknown content type %q", editerrors.ErrInvalidRequest, req.ContentType)
	}

	var granted bool
	err = c.update(ctx, func(t *txn) error {
		granted = false
		if cur, ok := t.ActiveLock(req.ContentID); ok {
			if cur.OwnedBy(req.Requester.ID) {
				cur.LastActivity = t.now
				t.PutLock(cur)
				res = AcquireResult{Granted: true, Lock: cur}
				return nil
			}
			cf := model.Conflict{
				ID:          uuid.NewString(),
				ContentID:   req.ContentID,
				CurrentLock: cur,
				RequestedBy: req.Requester,
				RequestedAt: t.now,
			}
			t.PutConflict(cf)
			res = AcquireResult{Lock: cur, Conflict: &cf}
			return nil
		}

		sid, err := newSessionID()
		if err != nil {
			return err
		}
		l := model.Lock{
			ID:                uuid.NewString(),
			ContentID:         req.ContentID,
			ContentType:       req.ContentType,
			Title:             req.Title,
			Status:            model.StatusLocked,
			Owner:             req.Requester,
			AcquiredAt:        t.now,
			ExpiresAt:         t.now.Add(c.cfg.LeaseDuration()),
			LastActivity:      t.now,
			SessionID:         sid,
			IsHeartbeatActive: true,
		}
		t.PutLock(l)
		t.record(l, model.ActionAcquire, req.Requester, "")
		res = AcquireResult{Granted: true, Lock: l}
		granted = true
		return nil
	})
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire %s: %w", req.ContentID, err)
	}

	switch {
	case res.Conflict != nil:
		c.metrics.IncConflicts()
		span.SetAttributes(attribute.String("editlock.result", "conflict"))
		c.logger.Debug("editlock: acquire conflict",
			"content_id", req.ContentID, "actor", req.Requester.ID,
			"holder", res.Lock.Owner.ID, "conflict_id", res.Conflict.ID)
	case granted:
		c.metrics.IncAcquired()
		span.SetAttributes(attribute.String("editlock.result", "granted"))
		c.logger.Info("editlock: lock acquired",
			"lock_id", res.Lock.ID, "content_id", req.ContentID, "actor", req.Requester.ID)
	default:
		span.SetAttributes(attribute.String("editlock.result", "refreshed"))
	}
	return res, nil
}

// Release ends the lock when actor owns it. Releasing a lock that is no
// longer Locked, or one held by somebody else, is a no-op.
func (c *Coordinator) Release(ctx context.Context, lockID string, actor model.UserRef) (err error) {
	ctx, span := c.startSpan(ctx, "Coordinator.Release",
		attribute.String("editlock.lock_id", lockID),
		attribute.String("editlock.actor", actor.ID))
	defer func() { endSpan(span, err) }()

	var released bool
	err = c.update(ctx, func(t *txn) error {
		released = false
		l, ok := t.Lock(lockID)
		if !ok {
			return editerrors.ErrNotFound
		}
		if !l.Active() {
			c.logger.Debug("editlock: release of inactive lock ignored", "lock_id", lockID, "status", l.Status)
			return nil
		}
		if !l.OwnedBy(actor.ID) {
			c.logger.Debug("editlock: release by non-owner ignored", "lock_id", lockID, "actor", actor.ID)
			return nil
		}
		c.release(t, l, actor)
		released = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", lockID, err)
	}
	if released {
		c.metrics.IncReleased()
		c.logger.Info("editlock: lock released", "lock_id", lockID, "actor", actor.ID)
	}
	return nil
}

func (c *Coordinator) release(t *txn, l model.Lock, actor model.UserRef) {
	l.Status = model.StatusUnlocked
	l.IsHeartbeatActive = false
	l.LastActivity = t.now
	t.PutLock(l)
	t.record(l, model.ActionRelease, actor, "")
}

// ReleaseAll releases every active lock owned by actor and returns how many
// were released.
func (c *Coordinator) ReleaseAll(ctx context.Context, actor model.UserRef) (n int, err error) {
	ctx, span := c.startSpan(ctx, "Coordinator.ReleaseAll", attribute.String("editlock.actor", actor.ID))
	defer func() { endSpan(span, err) }()

	err = c.update(ctx, func(t *txn) error {
		owned := t.ActiveLocksOf(actor.ID)
		sort.Slice(owned, func(i, j int) bool { return owned[i].ContentID < owned[j].ContentID })
		for _, l := range owned {
			c.release(t, l, actor)
		}
		n = len(owned)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release all for %s: %w", actor.ID, err)
	}
	for i := 0; i < n; i++ {
		c.metrics.IncReleased()
	}
	if n > 0 {
		c.logger.Info("editlock: released all locks", "actor", actor.ID, "count", n)
	}
	return n, nil
}

// ownedActive loads lockID and checks that actor holds it while Locked.
func ownedActive(t *txn, lockID string, actor model.UserRef) (model.Lock, error) {
	l, ok := t.Lock(lockID)
	if !ok {
		return model.Lock{}, editerrors.ErrNotFound
	}
	if !l.OwnedBy(actor.ID) {
		return model.Lock{}, editerrors.ErrNotOwner
	}
	if !l.Active() {
		return model.Lock{}, editerrors.ErrNotActive
	}
	return l, nil
}

// Extend renews the lease of a lock held by actor.
func (c *Coordinator) Extend(ctx context.Context, lockID string, actor model.UserRef) (l model.Lock, err error) {
	ctx, span := c.startSpan(ctx, "Coordinator.Extend",
		attribute.String("editlock.lock_id", lockID),
		attribute.String("editlock.actor", actor.ID))
	defer func() { endSpan(span, err) }()

	err = c.update(ctx, func(t *txn) error {
		cur, err := ownedActive(t, lockID, actor)
		if err != nil {
			return err
		}
		cur.ExpiresAt = t.now.Add(c.cfg.LeaseDuration())
		cur.LastActivity = t.now
		t.PutLock(cur)
		t.record(cur, model.ActionExtend, actor, "expires at "+cur.ExpiresAt.UTC().Format(time.RFC3339))
		l = cur
		return nil
	})
	if err != nil {
		return model.Lock{}, fmt.Errorf("extend %s: %w", lockID, err)
	}
	c.metrics.IncExtended()
	return l, nil
}

// Heartbeat marks the holder as still active without renewing the lease.
// Heartbeats are not recorded in the history.
func (c *Coordinator) Heartbeat(ctx context.Context, lockID string, actor model.UserRef) (model.Lock, error) {
	var l model.Lock
	err := c.update(ctx, func(t *txn) error {
		cur, err := ownedActive(t, lockID, actor)
		if err != nil {
			return err
		}
		cur.LastActivity = t.now
		cur.IsHeartbeatActive = true
		t.PutLock(cur)
		l = cur
		return nil
	})
	if err != nil {
		return model.Lock{}, fmt.Errorf("heartbeat %s: %w", lockID, err)
	}
	return l, nil
}

// Takeover reassigns an active lock to actor regardless of who holds it.
// The lock keeps its id and gets a fresh lease and session.
func (c *Coordinator) Takeover(ctx context.Context, lockID string, actor model.UserRef) (l model.Lock, err error) {
	ctx, span := c.startSpan(ctx, "Coordinator.Takeover",
		attribute.String("editlock.lock_id", lockID),
		attribute.String("editlock.actor", actor.ID))
	defer func() { endSpan(span, err) }()

	var prior model.UserRef
	err = c.update(ctx, func(t *txn) error {
		cur, ok := t.Lock(lockID)
		if !ok {
			return editerrors.ErrNotFound
		}
		prior = cur.Owner
		l, err = c.takeover(t, cur, actor)
		return err
	})
	if err != nil {
		return model.Lock{}, fmt.Errorf("takeover %s: %w", lockID, err)
	}
	c.metrics.IncTakeovers()
	c.logger.Info("editlock: lock taken over",
		"lock_id", lockID, "content_id", l.ContentID, "actor", actor.ID, "previous_owner", prior.ID)
	return l, nil
}

func (c *Coordinator) takeover(t *txn, l model.Lock, actor model.UserRef) (model.Lock, error) {
	if !c.cfg.AllowTakeover {
		return model.Lock{}, editerrors.ErrTakeoverDisabled
	}
	if !l.Active() {
		return model.Lock{}, editerrors.ErrNotActive
	}
	sid, err := newSessionID()
	if err != nil {
		return model.Lock{}, err
	}
	prior := l.Owner
	l.Owner = actor
	l.AcquiredAt = t.now
	l.ExpiresAt = t.now.Add(c.cfg.LeaseDuration())
	l.LastActivity = t.now
	l.SessionID = sid
	l.IsHeartbeatActive = true
	t.PutLock(l)
	t.record(l, model.ActionTakeover, actor, "taken over from "+prior.String())
	return l, nil
}

// CheckLock returns the active lock on contentID, if any.
func (c *Coordinator) CheckLock(contentID string) (model.Lock, bool) {
	return c.store.ActiveLock(contentID)
}

// CanEdit reports whether userID may edit contentID right now.
func (c *Coordinator) CanEdit(contentID, userID string) bool {
	l, ok := c.store.ActiveLock(contentID)
	return !ok || l.OwnedBy(userID)
}

// UserLocks returns the active locks held by userID ordered by content id.
func (c *Coordinator) UserLocks(userID string) []model.Lock {
	var out []model.Lock
	for _, l := range c.store.ActiveLocks() {
		if l.OwnedBy(userID) {
			out = append(out, l)
		}
	}
	return out
}

// ActiveLocks returns every active lock ordered by content id.
func (c *Coordinator) ActiveLocks() []model.Lock {
	return c.store.ActiveLocks()
}

// Status describes the lock on contentID from viewerID's point of view.
// canOverride is the viewer's permission to force a takeover.
func (c *Coordinator) Status(contentID, viewerID string, canOverride bool) LockStatus {
	l, ok := c.store.ActiveLock(contentID)
	if !ok {
		return LockStatus{CanEdit: true}
	}
	remaining := l.ExpiresAt.Sub(c.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	holder := l.OwnedBy(viewerID)
	return LockStatus{
		IsLocked:             true,
		LockID:               l.ID,
		LockedBy:             l.Owner,
		LockedAt:             l.AcquiredAt,
		ExpiresAt:            l.ExpiresAt,
		Remaining:            remaining,
		CanEdit:              holder,
		CanTakeover:          c.cfg.AllowTakeover && canOverride && !holder,
		ExpiringSoon:         remaining <= c.cfg.WarningThreshold(),
		RequiresConfirmation: c.cfg.RequireConfirmation,
	}
}
