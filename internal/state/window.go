// Package state tracks aggregation windows: which alert, if any, a rule's
// current tumbling window is folding matches into.
package state

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is the outcome of admitting a matched event into its window.
type Action string

const (
	// ActionOpen means the window is new and the caller must open an alert
	// with Decision.AlertID.
	ActionOpen Action = "open"
	// ActionFold means the match should touch the window's alert.
	ActionFold Action = "fold"
	// ActionDrop means the window is exhausted; the match is only counted.
	ActionDrop Action = "drop"
)

// Admission describes one matched (rule, event) pair.
type Admission struct {
	RuleID       string
	Window       time.Duration
	MaxPerWindow int
	EventTime    time.Time
}

// Decision is the tracker's verdict for an Admission.
type Decision struct {
	Action      Action
	WindowKey   string
	Count       int64
	FirstSeenAt time.Time
	AlertID     string
}

// Entry is a snapshot of one window.
type Entry struct {
	WindowKey   string
	FirstSeenAt time.Time
	Count       int64
	AlertID     string
}

// Tracker makes the admit decision atomically per window.
type Tracker interface {
	Admit(ctx context.Context, a Admission) (Decision, error)
	// Release drops the window if it still belongs to alertID. Used when an
	// alert resolves and when opening the alert failed.
	Release(ctx context.Context, windowKey, alertID string) error
	Peek(ctx context.Context, windowKey string) (Entry, bool, error)
	// Reap removes windows that closed before now and returns how many.
	Reap(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// WindowKey returns the tumbling bucket identity for a rule at t.
func WindowKey(ruleID string, window time.Duration, t time.Time) string {
	return ruleID + ":" + strconv.FormatInt(bucket(window, t), 10)
}

func bucket(window time.Duration, t time.Time) int64 {
	w := window.Milliseconds()
	if w <= 0 {
		w = 1
	}
	ms := t.UnixMilli()
	b := ms / w
	if ms < 0 && ms%w != 0 {
		b--
	}
	return b
}

func validate(a Admission) error {
	if a.RuleID == "" {
		return fmt.Errorf("admission without rule id")
	}
	if a.Window <= 0 {
		return fmt.Errorf("rule %s: window must be positive", a.RuleID)
	}
	if a.MaxPerWindow < 1 {
		return fmt.Errorf("rule %s: max per window must be >= 1", a.RuleID)
	}
	return nil
}

const shardCount = 32

type window struct {
	firstSeen time.Time
	closesAt  time.Time
	count     int64
	alertID   string
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryTracker keeps windows in process. Admissions for different rules
// only contend when their ids hash to the same shard.
type MemoryTracker struct {
	shards [shardCount]*shard
	newID  func() string
}

// MemoryOption configures a MemoryTracker.
type MemoryOption func(*MemoryTracker)

// WithIDFunc overrides alert id generation.
func WithIDFunc(fn func() string) MemoryOption {
	return func(t *MemoryTracker) { t.newID = fn }
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	t := &MemoryTracker{newID: uuid.NewString}
	for i := range t.shards {
		t.shards[i] = &shard{windows: make(map[string]*window)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTracker) shardFor(ruleID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	return t.shards[h.Sum32()%shardCount]
}

// ruleOf strips the bucket suffix from a window key.
func ruleOf(windowKey string) string {
	for i := len(windowKey) - 1; i >= 0; i-- {
		if windowKey[i] == ':' {
			return windowKey[:i]
		}
	}
	return windowKey
}

// Admit implements Tracker.
func (t *MemoryTracker) Admit(ctx context.Context, a Admission) (Decision, error) {
	if err := validate(a); err != nil {
		return Decision{}, err
	}
	key := WindowKey(a.RuleID, a.Window, a.EventTime)
	s := t.shardFor(a.RuleID)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		b := bucket(a.Window, a.EventTime)
		w = &window{
			firstSeen: a.EventTime,
			closesAt:  time.UnixMilli((b + 1) * a.Window.Milliseconds()).UTC(),
			count:     1,
			alertID:   t.newID(),
		}
		s.windows[key] = w
		return Decision{Action: ActionOpen, WindowKey: key, Count: 1, FirstSeenAt: w.firstSeen, AlertID: w.alertID}, nil
	}

	prev := w.count
	w.count++
	d := Decision{WindowKey: key, Count: w.count, FirstSeenAt: w.firstSeen, AlertID: w.alertID}
	if w.alertID != "" && prev < int64(a.MaxPerWindow) {
		d.Action = ActionFold
	} else {
		d.Action = ActionDrop
	}
	return d, nil
}

// Release implements Tracker.
func (t *MemoryTracker) Release(ctx context.Context, windowKey, alertID string) error {
	s := t.shardFor(ruleOf(windowKey))
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[windowKey]; ok && w.alertID == alertID {
		delete(s.windows, windowKey)
	}
	return nil
}

// Peek implements Tracker.
func (t *MemoryTracker) Peek(ctx context.Context, windowKey string) (Entry, bool, error) {
	s := t.shardFor(ruleOf(windowKey))
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[windowKey]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{WindowKey: windowKey, FirstSeenAt: w.firstSeen, Count: w.count, AlertID: w.alertID}, true, nil
}

// Reap implements Tracker.
func (t *MemoryTracker) Reap(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, w := range s.windows {
			if !now.Before(w.closesAt) {
				delete(s.windows, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n, nil
}

// Close implements Tracker.
func (t *MemoryTracker) Close() error { return nil }
