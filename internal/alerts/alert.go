package alerts

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"vigil/internal/rules"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSnoozed      Status = "snoozed"
)

// IsValid checks if the status is known
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusSnoozed:
		return true
	}
	return false
}

// Action names an audited transition.
type Action string

const (
	ActionOpen        Action = "open"
	ActionAcknowledge Action = "acknowledge"
	ActionResolve     Action = "resolve"
	ActionSnooze      Action = "snooze"
	ActionUnsnooze    Action = "unsnooze"
	ActionEscalate    Action = "escalate"
)

// Alert is one actionable incident produced by a rule or by an operator.
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id,omitempty"`
	AlertType string         `json:"alert_type"`
	Severity  rules.Severity `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	ModelName string         `json:"model_name,omitempty"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`

	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string     `json:"acknowledged_by,omitempty"`
	AcknowledgedByName string     `json:"acknowledged_by_name,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy         string     `json:"resolved_by,omitempty"`
	ResolvedByName     string     `json:"resolved_by_name,omitempty"`
	SnoozedUntil       *time.Time `json:"snoozed_until,omitempty"`
	SnoozedBy          string     `json:"snoozed_by,omitempty"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`

	WindowKey       string     `json:"window_key,omitempty"`
	TriggerCount    int64      `json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	// ChangeSeq is assigned by the store on every write, in commit order.
	ChangeSeq int64 `json:"change_seq"`
}

// IsManual reports whether the alert was created by an operator.
func (a *Alert) IsManual() bool { return a.RuleID == "" }

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.SnoozedUntil = cloneTime(a.SnoozedUntil)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.LastTriggeredAt = cloneTime(a.LastTriggeredAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Actor identifies who requested a transition.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SystemActor is recorded for transitions the engine and the scheduler
// perform on their own.
var SystemActor = Actor{ID: "system", Name: "vigil"}

// AuditEntry is an immutable record of one transition.
type AuditEntry struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"`
	Action     Action    `json:"action"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name,omitempty"`
	At         time.Time `json:"at"`
	Note       string    `json:"note,omitempty"`
}

// Filter narrows List results. Zero values match everything; From/To bound
// CreatedAt as [From, To).
type Filter struct {
	Statuses  []Status
	Severity  rules.Severity
	AlertType string
	ModelName string
	RuleID    string
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether a passes the filter, ignoring Limit.
func (f Filter) Matches(a *Alert) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.AlertType != "" && a.AlertType != f.AlertType {
		return false
	}
	if f.ModelName != "" && a.ModelName != f.ModelName {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Cursor marks a position in the change feed: the ChangeSeq of the last
// alert the caller has seen.
type Cursor struct {
	Seq int64
}

// ErrBadCursor is returned for cursors that do not parse.
var ErrBadCursor = errors.New("cursor must be a non-negative change sequence number")

// String encodes the cursor. The zero cursor encodes as "".
func (c Cursor) String() string {
	if c.Seq == 0 {
		return ""
	}
	return strconv.FormatInt(c.Seq, 10)
}

// After reports whether a was written after the cursor.
func (c Cursor) After(a *Alert) bool {
	return a.ChangeSeq > c.Seq
}

// ParseCursor decodes a cursor produced by Cursor.String. Empty input is
// the start of the feed.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if n < 0 {
		return Cursor{}, ErrBadCursor
	}
	return Cursor{Seq: n}, nil
}

// CursorOf returns the cursor positioned at a.
func CursorOf(a *Alert) Cursor {
	return Cursor{Seq: a.ChangeSeq}
}
