package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-editlock/v1/model"
	"github.com/mirkobrombin/go-editlock/v1/store"
)

const defaultGormOpTimeout = 5 * time.Second

// lockRow, conflictRow and historyRow index the columns the persister
// queries on and keep the full record as JSON.
type lockRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	ContentID string `gorm:"column:content_id;index"`
	Status    string `gorm:"column:status;index"`
	Data      []byte `gorm:"column:data"`
}

func (lockRow) TableName() string { return "editlock_locks" }

type conflictRow struct {
	ID          string    `gorm:"primaryKey;column:id"`
	ContentID   string    `gorm:"column:content_id;index"`
	RequestedAt time.Time `gorm:"column:requested_at"`
	Resolved    bool      `gorm:"column:resolved"`
	Data        []byte    `gorm:"column:data"`
}

func (conflictRow) TableName() string { return "editlock_conflicts" }

type historyRow struct {
	Seq    uint64 `gorm:"primaryKey;autoIncrement:false;column:seq"`
	ID     string `gorm:"column:id;uniqueIndex"`
	LockID string `gorm:"column:lock_id;index"`
	Data   []byte `gorm:"column:data"`
}

func (historyRow) TableName() string { return "editlock_history" }

// GormPersister stores lock state in SQL tables through GORM. Each Save is
// one database transaction.
type GormPersister struct {
	db      *gorm.DB
	timeout time.Duration
}

// GormOption configures a GormPersister.
type GormOption func(*GormPersister)

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(p *GormPersister) {
		p.timeout = d
	}
}

// NewGormPersister migrates the editlock tables on db and returns a
// GormPersister.
func NewGormPersister(db *gorm.DB, opts ...GormOption) (*GormPersister, error) {
	p := &GormPersister{db: db, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(p)
	}
	if err := db.AutoMigrate(&lockRow{}, &conflictRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("migrate editlock tables: %w", err)
	}
	return p, nil
}

// Save implements store.Persister.
func (p *GormPersister) Save(ctx context.Context, c store.Changes) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		for _, l := range c.Locks {
			data, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("encode lock %s: %w", l.ID, err)
			}
			row := lockRow{ID: l.ID, ContentID: l.ContentID, Status: string(l.Status), Data: data}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "data"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		for _, cf := range c.Conflicts {
			data, err := json.Marshal(cf)
			if err != nil {
				return fmt.Errorf("encode conflict %s: %w", cf.ID, err)
			}
			row := conflictRow{ID: cf.ID, ContentID: cf.ContentID, RequestedAt: cf.RequestedAt, Resolved: cf.Resolved, Data: data}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"resolved", "data"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		if len(c.History) == 0 {
			return nil
		}
		rows := make([]historyRow, 0, len(c.History))
		for _, e := range c.History {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode history entry %s: %w", e.ID, err)
			}
			rows = append(rows, historyRow{Seq: e.Seq, ID: e.ID, LockID: e.LockID, Data: data})
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	return mapErr(err)
}

// Load implements store.Persister.
func (p *GormPersister) Load(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	db := p.db.WithContext(cctx)

	var snap store.Snapshot
	var locks []lockRow
	if err := db.Order("id").Find(&locks).Error; err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for _, r := range locks {
		var l model.Lock
		if err := json.Unmarshal(r.Data, &l); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode lock %s: %w", r.ID, err)
		}
		snap.Locks = append(snap.Locks, l)
	}

	var conflicts []conflictRow
	if err := db.Order("requested_at").Find(&conflicts).Error; err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for _, r := range conflicts {
		var cf model.Conflict
		if err := json.Unmarshal(r.Data, &cf); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode conflict %s: %w", r.ID, err)
		}
		snap.Conflicts = append(snap.Conflicts, cf)
	}

	var history []historyRow
	if err := db.Order("seq").Find(&history).Error; err != nil {
		return store.Snapshot{}, mapErr(err)
	}
	for _, r := range history {
		var e model.HistoryEntry
		if err := json.Unmarshal(r.Data, &e); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode history entry %d: %w", r.Seq, err)
		}
		snap.History = append(snap.History, e)
	}
	return snap, nil
}
