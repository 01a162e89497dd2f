package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/retry"
)

// Service is the administrative and engine-facing entry point to rules.
type Service struct {
	store    Store
	clock    clock.Clock
	policy   retry.Policy
	cacheTTL time.Duration

	mu         sync.RWMutex
	snapshot   []*Rule
	snapshotAt time.Time
	stale      bool
	generation uint64

	errMu    sync.RWMutex
	evalErrs map[string]string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRetryPolicy sets the policy used for transient store failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithCacheTTL bounds how long the active-rule snapshot is reused. Mutations
// through the service always invalidate it.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) { s.cacheTTL = d }
}

// NewService wraps a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    clock.System(),
		policy:   retry.DefaultPolicy,
		cacheTTL: 5 * time.Second,
		stale:    true,
		evalErrs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, r *Rule) (*Rule, error) {
	if r == nil {
		return nil, apperr.New(apperr.KindValidation, "rules.create", "rule body is required")
	}
	r = r.Clone()
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return nil, apperr.Validation("rules.create", err)
	}

	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.TriggerCount = 0
	r.LastTriggeredAt = nil
	r.EvaluationError = ""

	err := retry.Do(ctx, s.policy, "rules.create", func(ctx context.Context) error {
		return s.store.Create(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate()

	logger.WithRule("rules", r.ID).Info().
		Str("name", r.Name).
		Str("condition_type", string(r.ConditionType)).
		Msg("rule created")
	return r.Clone(), nil
}

// Update replaces a rule's definition. Identity, creation time and trigger
// bookkeeping are preserved.
func (s *Service) Update(ctx context.Context, id string, r *Rule) (*Rule, error) {
	if r == nil {
		return nil, apperr.New(apperr.KindValidation, "rules.update", "rule body is required")
	}
	existing, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := r.Clone()
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return nil, apperr.Validation("rules.update", err)
	}
	next.ID = existing.ID
	next.CreatedAt = existing.CreatedAt
	next.TriggerCount = existing.TriggerCount
	next.LastTriggeredAt = existing.LastTriggeredAt
	next.UpdatedAt = s.now()
	next.EvaluationError = ""

	err = retry.Do(ctx, s.policy, "rules.update", func(ctx context.Context) error {
		return s.store.Update(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	s.ClearInvalid(id)
	s.invalidate()

	logger.WithRule("rules", id).Info().Msg("rule updated")
	return next.Clone(), nil
}

// Delete removes a rule. Alerts it produced are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := retry.Do(ctx, s.policy, "rules.delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.ClearInvalid(id)
	s.invalidate()
	logger.WithRule("rules", id).Info().Msg("rule deleted")
	return nil
}

// Get returns one rule with its last evaluation error attached.
func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.EvaluationError = s.EvaluationError(id)
	return r, nil
}

func (s *Service) get(ctx context.Context, id string) (*Rule, error) {
	var r *Rule
	err := retry.Do(ctx, s.policy, "rules.get", func(ctx context.Context) error {
		var err error
		r, err = s.store.Get(ctx, id)
		return err
	})
	return r, err
}

// List returns rules matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*Rule, error) {
	var out []*Rule
	err := retry.Do(ctx, s.policy, "rules.list", func(ctx context.Context) error {
		var err error
		out, err = s.store.List(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		r.EvaluationError = s.EvaluationError(r.ID)
	}
	return out, nil
}

// Active returns the current snapshot of active rules. The returned slice
// and rules are shared and must not be modified.
func (s *Service) Active(ctx context.Context) ([]*Rule, error) {
	now := s.clock.Now()

	s.mu.RLock()
	if !s.stale && now.Sub(s.snapshotAt) < s.cacheTTL {
		snap := s.snapshot
		s.mu.RUnlock()
		return snap, nil
	}
	gen := s.generation
	s.mu.RUnlock()

	active := true
	var rules []*Rule
	err := retry.Do(ctx, s.policy, "rules.active", func(ctx context.Context) error {
		var err error
		rules, err = s.store.List(ctx, Filter{Active: &active})
		return err
	})
	if err != nil {
		return nil, err
	}

	// a mutation during the list leaves the cache stale
	s.mu.Lock()
	if s.generation == gen {
		s.snapshot = rules
		s.snapshotAt = now
		s.stale = false
	}
	s.mu.Unlock()

	metrics.ActiveRules.Set(float64(len(rules)))
	return rules, nil
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.stale = true
	s.generation++
	s.mu.Unlock()
}

// RecordTrigger bumps the rule's trigger bookkeeping.
func (s *Service) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	return retry.Do(ctx, s.policy, "rules.record_trigger", func(ctx context.Context) error {
		return s.store.RecordTrigger(ctx, id, at)
	})
}

// MarkInvalid records a configuration error found while evaluating a rule.
func (s *Service) MarkInvalid(id string, err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	s.evalErrs[id] = err.Error()
	s.errMu.Unlock()
}

// ClearInvalid forgets a previously recorded evaluation error.
func (s *Service) ClearInvalid(id string) {
	s.errMu.RLock()
	_, ok := s.evalErrs[id]
	s.errMu.RUnlock()
	if !ok {
		return
	}
	s.errMu.Lock()
	delete(s.evalErrs, id)
	s.errMu.Unlock()
}

// EvaluationError returns the last recorded evaluation error for id.
func (s *Service) EvaluationError(id string) string {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.evalErrs[id]
}

// ImportSeed upserts rules by name. Existing rules keep their ids.
func (s *Service) ImportSeed(ctx context.Context, seed []*Rule) (created, updated int, err error) {
	existing, err := s.List(ctx, Filter{})
	if err != nil {
		return 0, 0, err
	}
	byName := make(map[string]*Rule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	for _, r := range seed {
		if cur, ok := byName[strings.TrimSpace(r.Name)]; ok {
			if _, err := s.Update(ctx, cur.ID, r); err != nil {
				return created, updated, err
			}
			updated++
			continue
		}
		if _, err := s.Create(ctx, r); err != nil {
			return created, updated, err
		}
		created++
	}
	return created, updated, nil
}
