// Package model defines the records exchanged by the lock coordinator: locks,
// conflicts and history entries. All types carry JSON tags so they can cross
// the persistence and event stream boundaries unchanged.
package model

import (
	"fmt"
	"time"
)

// ContentType identifies the kind of content item a lock protects.
type ContentType string

const (
	ContentPost     ContentType = "post"
	ContentPage     ContentType = "page"
	ContentMedia    ContentType = "media"
	ContentTemplate ContentType = "template"
	ContentMenu     ContentType = "menu"
	ContentWidget   ContentType = "widget"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case ContentPost, ContentPage, ContentMedia, ContentTemplate, ContentMenu, ContentWidget:
		return true
	}
	return false
}

// ParseContentType converts s to a ContentType.
func ParseContentType(s string) (ContentType, error) {
	t := ContentType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown content type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of a Lock.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusUnlocked Status = "unlocked"
	// StatusPending is reserved for a queued grant flow. No operation
	// currently produces it.
	StatusPending Status = "pending"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusUnlocked || s == StatusExpired
}

// Action names a lock transition recorded in the history.
type Action string

const (
	ActionAcquire  Action = "acquire"
	ActionRelease  Action = "release"
	ActionExtend   Action = "extend"
	ActionTakeover Action = "takeover"
	ActionExpire   Action = "expire"
)

// Terminal reports whether a ends the life of a lock.
func (a Action) Terminal() bool {
	return a == ActionRelease || a == ActionExpire
}

// Resolution is the outcome chosen for a Conflict.
type Resolution string

const (
	ResolutionTakeover  Resolution = "takeover"
	ResolutionWait      Resolution = "wait"
	ResolutionDismissed Resolution = "dismissed"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionTakeover, ResolutionWait, ResolutionDismissed:
		return true
	}
	return false
}

// UserRef is the opaque identity supplied by the identity provider.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// System is the actor used for transitions made by the coordinator itself.
var System = UserRef{ID: "system", Name: "System", Role: "system"}

func (u UserRef) String() string {
	if u.Name == "" {
		return u.ID
	}
	return fmt.Sprintf("%s (%s)", u.Name, u.ID)
}

// Lock is a time-bounded exclusive claim on a content item.
type Lock struct {
	ID                string      `json:"id"`
	ContentID         string      `json:"content_id"`
	ContentType       ContentType `json:"content_type"`
	Title             string      `json:"title,omitempty"`
	Status            Status      `json:"status"`
	Owner             UserRef     `json:"owner"`
	AcquiredAt        time.Time   `json:"acquired_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
	LastActivity      time.Time   `json:"last_activity"`
	SessionID         string      `json:"session_id"`
	IsHeartbeatActive bool        `json:"is_heartbeat_active"`
}

// Active reports whether the lock currently grants exclusive access.
func (l Lock) Active() bool {
	return l.Status == StatusLocked
}

// OwnedBy reports whether userID holds the lock.
func (l Lock) OwnedBy(userID string) bool {
	return l.Owner.ID == userID
}

// Conflict records an acquisition attempt that hit an active lock.
type Conflict struct {
	ID          string     `json:"id"`
	ContentID   string     `json:"content_id"`
	CurrentLock Lock       `json:"current_lock"`
	RequestedBy UserRef    `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	Resolved    bool       `json:"resolved"`
	Resolution  Resolution `json:"resolution,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// HistoryEntry is an immutable record of one lock transition. Seq is the
// position in the audit log and defines the canonical order.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	LockID    string    `json:"lock_id"`
	ContentID string    `json:"content_id"`
	Action    Action    `json:"action"`
	Actor     UserRef   `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}
