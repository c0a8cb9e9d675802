// Package audit is the append-only history of lock transitions. Entries are
// staged inside the same store transaction as the transition they describe,
// so a transition and its history entry commit or fail together. Insertion
// order (the entry's Seq) is the canonical order.
//
// Committed entries are published as JSON on a WatchBus, once on the global
// topic and once on the per-content topic, for presence layers to consume.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
	"github.com/mirkobrombin/go-editlock/v1/watchbus"
)

// DefaultTopic is the global event topic.
const DefaultTopic = "editlock.events"

// ErrNoBus is returned by Events when the log was built without a WatchBus.
var ErrNoBus = errors.New("editlock: audit log has no event bus")

// Log appends and reads history entries held by a store.
type Log struct {
	store  *store.Store
	bus    watchbus.WatchBus
	topic  string
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithBus publishes committed entries on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(l *Log) {
		l.bus = bus
	}
}

// WithTopic sets the global topic; per-content topics are "<topic>.<contentID>".
func WithTopic(topic string) Option {
	return func(l *Log) {
		if topic != "" {
			l.topic = topic
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New returns a Log over s.
func New(s *store.Store, opts ...Option) *Log {
	l := &Log{store: s, topic: DefaultTopic, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stages e in tx, assigning its id and sequence number.
func (l *Log) Append(tx *store.Tx, e model.HistoryEntry) model.HistoryEntry {
	e.ID = uuid.NewString()
	return tx.Append(e)
}

// Publish emits committed entries on the bus. Failures are logged and do not
// affect the transition that produced the entry.
func (l *Log) Publish(ctx context.Context, entries ...model.HistoryEntry) {
	if l.bus == nil {
		return
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("editlock: encode history entry failed", "entry_id", e.ID, "error", err)
			continue
		}
		for _, key := range []string{l.topic, l.ContentTopic(e.ContentID)} {
			err := l.bus.Publish(ctx, key, data)
			if errors.Is(err, watchbus.ErrCircuitOpen) {
				l.logger.Debug("editlock: event bus unavailable, entry not published", "topic", key, "lock_id", e.LockID)
				continue
			}
			if err != nil {
				l.logger.Warn("editlock: publish history entry failed",
					"topic", key, "lock_id", e.LockID, "action", e.Action, "error", err)
			}
		}
	}
}

// Topic returns the global event topic.
func (l *Log) Topic() string {
	return l.topic
}

// ContentTopic returns the topic carrying events for one content item.
func (l *Log) ContentTopic(contentID string) string {
	return l.topic + "." + contentID
}

// Events streams decoded entries published after the call. An empty
// contentID watches every content item. The channel closes when ctx ends.
func (l *Log) Events(ctx context.Context, contentID string) (<-chan model.HistoryEntry, error) {
	if l.bus == nil {
		return nil, ErrNoBus
	}
	key := l.topic
	if contentID != "" {
		key = l.ContentTopic(contentID)
	}
	raw, err := l.bus.Watch(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(chan model.HistoryEntry, cap(raw))
	go func() {
		defer close(out)
		for data := range raw {
			var e model.HistoryEntry
			if err := json.Unmarshal(data, &e); err != nil {
				l.logger.Warn("editlock: decode history entry failed", "topic", key, "error", err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				_ = l.bus.Unwatch(context.Background(), key, raw)
				for range raw {
				}
				return
			}
		}
	}()
	return out, nil
}

// Entries returns the full history in canonical order.
func (l *Log) Entries() []model.HistoryEntry {
	return l.store.History()
}

// ForLock returns the entries of one lock in canonical order.
func (l *Log) ForLock(lockID string) []model.HistoryEntry {
	return l.filter(func(e model.HistoryEntry) bool { return e.LockID == lockID })
}

// ForContent returns the entries of every lock ever held on contentID.
func (l *Log) ForContent(contentID string) []model.HistoryEntry {
	return l.filter(func(e model.HistoryEntry) bool { return e.ContentID == contentID })
}

// ByActor returns the entries recorded for actorID.
func (l *Log) ByActor(actorID string) []model.HistoryEntry {
	return l.filter(func(e model.HistoryEntry) bool { return e.Actor.ID == actorID })
}

func (l *Log) filter(keep func(model.HistoryEntry) bool) []model.HistoryEntry {
	var out []model.HistoryEntry
	for _, e := range l.store.History() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
