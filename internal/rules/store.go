package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"vigil/internal/apperr"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Active    *bool
	AlertType string
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *Rule) bool {
	if f.Active != nil && r.IsActive != *f.Active {
		return false
	}
	if f.AlertType != "" && r.AlertType != f.AlertType {
		return false
	}
	return true
}

// Store persists rules. Implementations return apperr kinds not_found,
// conflict and transient_store where applicable.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, f Filter) ([]*Rule, error)
	// RecordTrigger atomically bumps trigger_count and sets last_triggered_at.
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps rules in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return apperr.New(apperr.KindConflict, "rules.create", "rule %q already exists", r.ID)
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.ID]
	if !ok {
		return apperr.NotFound("rules.update", "rule", r.ID)
	}
	next := r.Clone()
	// trigger bookkeeping is owned by RecordTrigger
	next.TriggerCount = existing.TriggerCount
	next.LastTriggeredAt = existing.LastTriggeredAt
	s.rules[r.ID] = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return apperr.NotFound("rules.delete", "rule", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, apperr.NotFound("rules.get", "rule", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return apperr.NotFound("rules.record_trigger", "rule", id)
	}
	r.TriggerCount++
	if r.LastTriggeredAt == nil || at.After(*r.LastTriggeredAt) {
		t := at
		r.LastTriggeredAt = &t
	}
	return nil
}
