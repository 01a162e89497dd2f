package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/internal/apperr"
)

// Store persists alerts and their audit trail. Update is a compare-and-swap
// on Version: it fails with apperr.KindConflict when the stored version is
// not expectedVersion, and otherwise stores a with Version expectedVersion+1.
type Store interface {
	Create(ctx context.Context, a *Alert, audit AuditEntry) error
	Update(ctx context.Context, a *Alert, expectedVersion int64, audit *AuditEntry) error
	Get(ctx context.Context, id string) (*Alert, error)
	// List returns matches newest first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
	// Audit returns an alert's entries oldest first.
	Audit(ctx context.Context, alertID string) ([]AuditEntry, error)
	DueSnoozed(ctx context.Context, now time.Time) ([]*Alert, error)
	// EscalationCandidates returns active, rule-owned alerts that have not
	// been escalated yet.
	EscalationCandidates(ctx context.Context) ([]*Alert, error)
	// Create and Update assign ChangeSeq from a per-store counter, in commit
	// order. Changes returns alerts whose ChangeSeq is after the cursor,
	// ascending.
	Changes(ctx context.Context, after Cursor, limit int) ([]*Alert, error)
}

// MemoryStore keeps alerts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
	audit  map[string][]AuditEntry
	seq    int64
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*Alert),
		audit:  make(map[string][]AuditEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Alert, audit AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return apperr.New(apperr.KindConflict, "alerts.create", "alert %q already exists", a.ID)
	}
	s.seq++
	c := a.Clone()
	c.Version = 1
	c.ChangeSeq = s.seq
	a.Version = 1
	a.ChangeSeq = s.seq
	s.alerts[a.ID] = c
	s.audit[a.ID] = append(s.audit[a.ID], audit)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, a *Alert, expectedVersion int64, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return apperr.NotFound("alerts.update", "alert", a.ID)
	}
	if cur.Version != expectedVersion {
		return apperr.New(apperr.KindConflict, "alerts.update",
			"alert %s changed concurrently (version %d, expected %d)", a.ID, cur.Version, expectedVersion)
	}
	s.seq++
	c := a.Clone()
	c.Version = expectedVersion + 1
	c.ChangeSeq = s.seq
	a.Version = c.Version
	a.ChangeSeq = s.seq
	s.alerts[a.ID] = c
	if audit != nil {
		s.audit[a.ID] = append(s.audit[a.ID], *audit)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, apperr.NotFound("alerts.get", "alert", id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	out := s.collect(f.Matches)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Audit(ctx context.Context, alertID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.alerts[alertID]; !ok {
		return nil, apperr.NotFound("alerts.audit", "alert", alertID)
	}
	entries := s.audit[alertID]
	out := make([]AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) DueSnoozed(ctx context.Context, now time.Time) ([]*Alert, error) {
	return s.collect(func(a *Alert) bool {
		return a.Status == StatusSnoozed && a.SnoozedUntil != nil && !a.SnoozedUntil.After(now)
	}), nil
}

func (s *MemoryStore) EscalationCandidates(ctx context.Context) ([]*Alert, error) {
	return s.collect(func(a *Alert) bool {
		return a.Status == StatusActive && a.EscalatedAt == nil && a.RuleID != ""
	}), nil
}

func (s *MemoryStore) Changes(ctx context.Context, after Cursor, limit int) ([]*Alert, error) {
	out := s.collect(after.After)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChangeSeq < out[j].ChangeSeq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) collect(keep func(*Alert) bool) []*Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alert
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}
