// Package validator periodically compares the in-memory lock store with its
// persister and reports, or repairs, records that drifted apart.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Validator compares a store with the persister it writes through. The
// store is authoritative: in ModeAutoHeal drifted records are rewritten
// from it.
type Validator struct {
	store      *store.Store
	persister  store.Persister
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	mismatches uint64
}

// New creates a new Validator.
func New(s *store.Store, p store.Persister, mode Mode, interval time.Duration) *Validator {
	return &Validator{store: s, persister: p, mode: mode, interval: interval, logger: slog.Default()}
}

// WithLogger sets the logger used for alerts.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	v.logger = l
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.persister == nil || v.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil {
				v.logger.Warn("editlock: validation scan failed", "error", err)
			}
		}
	}
}

// Scan runs one comparison and returns the number of drifted records.
// Commits are held off for the duration of the scan.
func (v *Validator) Scan(ctx context.Context) (int, error) {
	var found int
	err := v.store.Inspect(func(mem store.Snapshot) error {
		disk, err := v.persister.Load(ctx)
		if err != nil {
			return fmt.Errorf("load persisted state: %w", err)
		}
		heal := diff(mem, disk)
		found = len(heal.Locks) + len(heal.Conflicts) + len(heal.History)
		if found == 0 {
			return nil
		}
		atomic.AddUint64(&v.mismatches, uint64(found))
		if v.mode == ModeAlert || v.mode == ModeAutoHeal {
			v.logger.Warn("editlock: persisted state drifted",
				"locks", len(heal.Locks), "conflicts", len(heal.Conflicts), "history", len(heal.History))
		}
		if v.mode != ModeAutoHeal {
			return nil
		}
		if err := v.persister.Save(ctx, heal); err != nil {
			return fmt.Errorf("heal persisted state: %w", err)
		}
		return nil
	})
	return found, err
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.mismatches)
}

// diff returns the store records the persister is missing or holds a
// different version of. History is append-only, so only entries past the
// persisted sequence are considered.
func diff(mem, disk store.Snapshot) store.Changes {
	var out store.Changes

	locks := make(map[string]string, len(disk.Locks))
	for _, l := range disk.Locks {
		locks[l.ID] = digest(l)
	}
	for _, l := range mem.Locks {
		if locks[l.ID] != digest(l) {
			out.Locks = append(out.Locks, l)
		}
	}

	conflicts := make(map[string]string, len(disk.Conflicts))
	for _, c := range disk.Conflicts {
		conflicts[c.ID] = digest(c)
	}
	for _, c := range mem.Conflicts {
		if conflicts[c.ID] != digest(c) {
			out.Conflicts = append(out.Conflicts, c)
		}
	}

	var last uint64
	for _, e := range disk.History {
		if e.Seq > last {
			last = e.Seq
		}
	}
	for _, e := range mem.History {
		if e.Seq > last {
			out.History = append(out.History, e)
		}
	}
	return out
}

func digest[T model.Lock | model.Conflict](v T) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
