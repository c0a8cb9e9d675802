// Package sweeper reclaims abandoned locks. On every cycle it expires the
// Locked locks whose lease has passed and, when idle release is enabled,
// those whose holder stopped sending activity. Each lock is expired in its
// own store transaction so one failed write never blocks the others; a lock
// that could not be expired is simply retried on the next cycle.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mirkobrombin/go-editlock/v1/audit"
	"github.com/mirkobrombin/go-editlock/v1/clock"
	"github.com/mirkobrombin/go-editlock/v1/config"
	"github.com/mirkobrombin/go-editlock/v1/metrics"
	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

// Expiry reasons, used as history details and as the metrics label.
const (
	ReasonLease = "lease"
	ReasonIdle  = "idle"
)

// Sweeper periodically expires stale locks held in a store.
type Sweeper struct {
	store   *store.Store
	audit   *audit.Log
	cfg     config.Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the time source used to decide expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithMetrics records expirations and cycle durations on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// New returns a stopped Sweeper.
func New(s *store.Store, a *audit.Log, cfg config.Config, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:  s,
		audit:  a,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// reason reports why l should be expired at now, or "" if it should not.
func (s *Sweeper) reason(l model.Lock, now time.Time) string {
	if !l.Active() {
		return ""
	}
	if l.ExpiresAt.Before(now) {
		return ReasonLease
	}
	if s.cfg.AutoReleaseOnIdle && l.LastActivity.Add(s.cfg.IdleTimeout()).Before(now) {
		return ReasonIdle
	}
	return ""
}

func details(reason string) string {
	if reason == ReasonIdle {
		return "idle timeout"
	}
	return "lease expired"
}

// SweepOnce runs a single cycle and returns the number of locks expired.
// Locks that could not be expired are reported in the joined error and left
// Locked for the next cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer s.metrics.ObserveSweep(start)

	var (
		expired int
		errs    []error
	)
	for _, candidate := range s.store.ActiveLocks() {
		if s.reason(candidate, s.clock.Now()) == "" {
			continue
		}
		entry, reason, err := s.expire(ctx, candidate.ID)
		if err != nil {
			s.metrics.IncSweepErrors()
			s.logger.Warn("editlock: expire failed, will retry",
				"lock_id", candidate.ID, "content_id", candidate.ContentID, "error", err)
			errs = append(errs, fmt.Errorf("expire %s: %w", candidate.ID, err))
			continue
		}
		if reason == "" {
			continue
		}
		expired++
		s.metrics.IncExpired(reason)
		s.audit.Publish(ctx, entry)
		s.logger.Info("editlock: lock expired",
			"lock_id", entry.LockID, "content_id", entry.ContentID, "reason", reason)
	}
	s.metrics.SetActive(s.store.ActiveCount())
	return expired, errors.Join(errs...)
}

// expire transitions one lock to Expired. The lock is re-read inside the
// transaction, so a concurrent Release or Extend wins over a stale snapshot.
func (s *Sweeper) expire(ctx context.Context, lockID string) (entry model.HistoryEntry, reason string, err error) {
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		reason = ""
		l, ok := tx.Lock(lockID)
		if !ok {
			return nil
		}
		now := s.clock.Now()
		if reason = s.reason(l, now); reason == "" {
			return nil
		}
		l.Status = model.StatusExpired
		l.IsHeartbeatActive = false
		tx.PutLock(l)
		entry = s.audit.Append(tx, model.HistoryEntry{
			LockID:    l.ID,
			ContentID: l.ContentID,
			Action:    model.ActionExpire,
			Actor:     model.System,
			Timestamp: now,
			Details:   details(reason),
		})
		return nil
	})
	if err != nil {
		return model.HistoryEntry{}, "", err
	}
	return entry, reason, nil
}

// Start schedules SweepOnce every configured sweep interval. Overlapping
// cycles are skipped and a panicking cycle does not stop the schedule.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	interval := s.cfg.SweepInterval()
	if interval <= 0 {
		return fmt.Errorf("editlock: invalid sweep interval %v", interval)
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		_, _ = s.SweepOnce(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("editlock: sweeper started", "interval", interval)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish. Each
// expiration is a single transaction, so no lock is left half transitioned.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	s.logger.Info("editlock: sweeper stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("editlock: cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("editlock: cron "+msg, append(keysAndValues, "error", err)...)
}
