package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/retry"
	"vigil/internal/rules"
)

// Validation errors
var (
	ErrInvalidSnooze = errors.New("snooze minutes must be > 0")
	ErrMissingActor  = errors.New("actor id is required")
	ErrEmptyTitle    = errors.New("alert title cannot be empty")
)

// errNoop signals that a transition is already in effect.
var errNoop = errors.New("no change")

const (
	defaultConflictRetries = 5
	defaultPageSize        = 100
	maxPageSize            = 1000
)

// ChangeKind describes what happened to an alert.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangeTouched      ChangeKind = "touched"
	ChangeAcknowledged ChangeKind = "acknowledged"
	ChangeResolved     ChangeKind = "resolved"
	ChangeSnoozed      ChangeKind = "snoozed"
	ChangeUnsnoozed    ChangeKind = "unsnoozed"
	ChangeEscalated    ChangeKind = "escalated"
)

// Change is delivered to observers after a write is durable.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Alert *Alert     `json:"alert"`
}

// Observer is notified of every alert change. Implementations must not block.
type Observer interface {
	AlertChanged(ctx context.Context, c Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) AlertChanged(ctx context.Context, c Change) { f(ctx, c) }

// OpenRequest asks for a new rule-triggered alert.
type OpenRequest struct {
	Rule      *rules.Rule
	Event     *models.Event
	AlertID   string
	WindowKey string
}

// ManualRequest describes an operator-created alert.
type ManualRequest struct {
	AlertType string         `json:"alert_type"`
	Severity  rules.Severity `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	ModelName string         `json:"model_name,omitempty"`
}

// Page is one slice of the change feed.
type Page struct {
	Alerts     []*Alert `json:"alerts"`
	NextCursor string   `json:"next_cursor"`
}

// Service is the alert state machine. It is the only writer of alerts.
type Service struct {
	store           Store
	clock           clock.Clock
	policy          retry.Policy
	conflictRetries int
	render          *renderer

	obsMu     sync.RWMutex
	observers []Observer
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

// WithConflictRetries bounds re-reads after a lost compare-and-swap.
func WithConflictRetries(n int) Option {
	return func(s *Service) { s.conflictRetries = n }
}

// NewService wraps a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		clock:           clock.System(),
		policy:          retry.DefaultPolicy,
		conflictRetries: defaultConflictRetries,
		render:          newRenderer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer for all subsequent changes.
func (s *Service) Subscribe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// Open creates an active alert for a rule match and records the open audit
// entry. Opening an id that already exists returns the stored alert, so a
// retried open after an ambiguous store failure does not fail.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Alert, error) {
	if req.Rule == nil || req.Event == nil {
		return nil, apperr.New(apperr.KindValidation, "alerts.open", "rule and event are required")
	}
	id := req.AlertID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	triggered := now

	a := &Alert{
		ID:              id,
		RuleID:          req.Rule.ID,
		AlertType:       req.Rule.AlertType,
		Severity:        req.Rule.Severity,
		Title:           req.Rule.Name,
		Message:         s.render.render(req.Rule, req.Event),
		ModelName:       req.Event.Model,
		Status:          StatusActive,
		CreatedAt:       now,
		WindowKey:       req.WindowKey,
		TriggerCount:    1,
		LastTriggeredAt: &triggered,
		UpdatedAt:       now,
	}
	audit := s.auditEntry(a, ActionOpen, "", SystemActor, now)
	audit.Note = "event " + req.Event.ID

	err := retry.Do(ctx, s.policy, "alerts.open", func(ctx context.Context) error {
		return s.store.Create(ctx, a, audit)
	})
	if apperr.IsKind(err, apperr.KindConflict) {
		return s.get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(ChangeCreated)).Inc()
	logger.WithAlert("alerts", a.ID).Info().
		Str("rule_id", a.RuleID).
		Str("severity", string(a.Severity)).
		Str("window_key", a.WindowKey).
		Msg("alert opened")

	s.publish(ctx, Change{Kind: ChangeCreated, Alert: a.Clone()})
	return a, nil
}

// CreateManual opens an alert that no rule owns.
func (s *Service) CreateManual(ctx context.Context, req ManualRequest, actor Actor) (*Alert, error) {
	if err := requireActor("alerts.create_manual", actor); err != nil {
		return nil, err
	}
	req.Title = strings.TrimSpace(req.Title)
	req.AlertType = strings.TrimSpace(req.AlertType)
	req.Severity = rules.Severity(strings.ToLower(strings.TrimSpace(string(req.Severity))))
	switch {
	case req.Title == "":
		return nil, apperr.Validation("alerts.create_manual", ErrEmptyTitle)
	case req.AlertType == "":
		return nil, apperr.Validation("alerts.create_manual", rules.ErrEmptyAlertType)
	case !req.Severity.IsValid():
		return nil, apperr.Validation("alerts.create_manual", rules.ErrInvalidSeverity)
	}

	now := s.now()
	a := &Alert{
		ID:        uuid.NewString(),
		AlertType: req.AlertType,
		Severity:  req.Severity,
		Title:     req.Title,
		Message:   req.Message,
		ModelName: strings.ToLower(strings.TrimSpace(req.ModelName)),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	audit := s.auditEntry(a, ActionOpen, "", actor, now)

	err := retry.Do(ctx, s.policy, "alerts.create_manual", func(ctx context.Context) error {
		return s.store.Create(ctx, a, audit)
	})
	if err != nil {
		return nil, err
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(ChangeCreated)).Inc()
	logger.WithAlert("alerts", a.ID).Info().Str("actor", actor.ID).Msg("manual alert created")
	s.publish(ctx, Change{Kind: ChangeCreated, Alert: a.Clone()})
	return a, nil
}

// Touch folds another matching event into an open alert. Status is left
// alone and no audit entry is written.
func (s *Service) Touch(ctx context.Context, id string, rule *rules.Rule, e *models.Event) (*Alert, error) {
	return s.transition(ctx, id, "alerts.touch", ChangeTouched, func(a *Alert, now time.Time) (*AuditEntry, error) {
		if a.Status == StatusResolved {
			return nil, invalidTransition("touch", a)
		}
		a.TriggerCount++
		t := now
		a.LastTriggeredAt = &t
		if rule != nil && e != nil {
			a.Message = s.render.render(rule, e)
		}
		return nil, nil
	})
}

// Acknowledge moves an active alert to acknowledged. Acknowledging an
// already acknowledged alert returns it unchanged.
func (s *Service) Acknowledge(ctx context.Context, id string, actor Actor) (*Alert, error) {
	if err := requireActor("alerts.acknowledge", actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "alerts.acknowledge", ChangeAcknowledged, func(a *Alert, now time.Time) (*AuditEntry, error) {
		switch a.Status {
		case StatusAcknowledged:
			return nil, errNoop
		case StatusActive:
		default:
			return nil, invalidTransition("acknowledge", a)
		}
		audit := s.auditEntry(a, ActionAcknowledge, a.Status, actor, now)
		a.Status = StatusAcknowledged
		t := now
		a.AcknowledgedAt = &t
		a.AcknowledgedBy = actor.ID
		a.AcknowledgedByName = actor.Name
		return &audit, nil
	})
}

// Resolve closes an alert for good.
func (s *Service) Resolve(ctx context.Context, id string, actor Actor) (*Alert, error) {
	if err := requireActor("alerts.resolve", actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "alerts.resolve", ChangeResolved, func(a *Alert, now time.Time) (*AuditEntry, error) {
		if a.Status == StatusResolved {
			return nil, invalidTransition("resolve", a)
		}
		audit := s.auditEntry(a, ActionResolve, a.Status, actor, now)
		a.Status = StatusResolved
		t := now
		a.ResolvedAt = &t
		a.ResolvedBy = actor.ID
		a.ResolvedByName = actor.Name
		a.SnoozedUntil = nil
		return &audit, nil
	})
}

// Snooze silences an active or acknowledged alert for minutes.
func (s *Service) Snooze(ctx context.Context, id string, actor Actor, minutes int) (*Alert, error) {
	if minutes <= 0 {
		return nil, apperr.Validation("alerts.snooze", ErrInvalidSnooze)
	}
	if err := requireActor("alerts.snooze", actor); err != nil {
		return nil, err
	}
	return s.transition(ctx, id, "alerts.snooze", ChangeSnoozed, func(a *Alert, now time.Time) (*AuditEntry, error) {
		if a.Status != StatusActive && a.Status != StatusAcknowledged {
			return nil, invalidTransition("snooze", a)
		}
		audit := s.auditEntry(a, ActionSnooze, a.Status, actor, now)
		audit.Note = fmt.Sprintf("%d minutes", minutes)
		a.Status = StatusSnoozed
		until := now.Add(time.Duration(minutes) * time.Minute)
		a.SnoozedUntil = &until
		a.SnoozedBy = actor.ID
		return &audit, nil
	})
}

// Unsnooze returns a snoozed alert to active once its snooze has elapsed.
func (s *Service) Unsnooze(ctx context.Context, id string) (*Alert, error) {
	return s.transition(ctx, id, "alerts.unsnooze", ChangeUnsnoozed, func(a *Alert, now time.Time) (*AuditEntry, error) {
		if a.Status != StatusSnoozed || a.SnoozedUntil == nil || now.Before(*a.SnoozedUntil) {
			return nil, invalidTransition("unsnooze", a)
		}
		audit := s.auditEntry(a, ActionUnsnooze, a.Status, SystemActor, now)
		a.Status = StatusActive
		a.SnoozedUntil = nil
		return &audit, nil
	})
}

// Escalate marks an active alert as escalated. It succeeds at most once
// per alert.
func (s *Service) Escalate(ctx context.Context, id string) (*Alert, error) {
	return s.transition(ctx, id, "alerts.escalate", ChangeEscalated, func(a *Alert, now time.Time) (*AuditEntry, error) {
		if a.Status != StatusActive || a.EscalatedAt != nil {
			return nil, invalidTransition("escalate", a)
		}
		audit := s.auditEntry(a, ActionEscalate, a.Status, SystemActor, now)
		t := now
		a.EscalatedAt = &t
		return &audit, nil
	})
}

// transition runs apply against the latest stored alert and writes the
// result with compare-and-swap, re-reading when another writer got there
// first.
func (s *Service) transition(ctx context.Context, id, op string, kind ChangeKind, apply func(a *Alert, now time.Time) (*AuditEntry, error)) (*Alert, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		now := s.now()
		audit, err := apply(next, now)
		if errors.Is(err, errNoop) {
			return cur, nil
		}
		if err != nil {
			return nil, err
		}

		// keep the change feed ordered per alert
		if !now.After(cur.UpdatedAt) {
			now = cur.UpdatedAt.Add(time.Millisecond)
		}
		next.UpdatedAt = now

		err = retry.Do(ctx, s.policy, op, func(ctx context.Context) error {
			return s.store.Update(ctx, next, cur.Version, audit)
		})
		if apperr.IsKind(err, apperr.KindConflict) && attempt < s.conflictRetries {
			metrics.AlertConflictRetries.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.AlertTransitionsTotal.WithLabelValues(string(kind)).Inc()
		if audit != nil {
			logger.WithAlert("alerts", id).Info().
				Str("action", string(audit.Action)).
				Str("from", string(audit.FromStatus)).
				Str("to", string(audit.ToStatus)).
				Str("actor", audit.ActorID).
				Msg("alert transition")
		}
		s.publish(ctx, Change{Kind: kind, Alert: next.Clone()})
		return next, nil
	}
}

func (s *Service) auditEntry(a *Alert, action Action, from Status, actor Actor, now time.Time) AuditEntry {
	to := a.Status
	switch action {
	case ActionAcknowledge:
		to = StatusAcknowledged
	case ActionResolve:
		to = StatusResolved
	case ActionSnooze:
		to = StatusSnoozed
	case ActionUnsnooze:
		to = StatusActive
	}
	return AuditEntry{
		ID:         uuid.NewString(),
		AlertID:    a.ID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		At:         now,
	}
}

func (s *Service) publish(ctx context.Context, c Change) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.PanicsRecovered.WithLabelValues("alerts_observer").Inc()
					logger.WithAlert("alerts", c.Alert.ID).Error().
						Interface("panic", r).
						Msg("observer panicked")
				}
			}()
			o.AlertChanged(ctx, c)
		}()
	}
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id string) (*Alert, error) {
	var a *Alert
	err := retry.Do(ctx, s.policy, "alerts.get", func(ctx context.Context) error {
		var err error
		a, err = s.store.Get(ctx, id)
		return err
	})
	return a, err
}

// List returns alerts matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var out []*Alert
	err := retry.Do(ctx, s.policy, "alerts.list", func(ctx context.Context) error {
		var err error
		out, err = s.store.List(ctx, f)
		return err
	})
	return out, err
}

// Audit returns the alert's transition history, oldest first.
func (s *Service) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	var out []AuditEntry
	err := retry.Do(ctx, s.policy, "alerts.audit", func(ctx context.Context) error {
		var err error
		out, err = s.store.Audit(ctx, id)
		return err
	})
	return out, err
}

// DueSnoozed returns snoozed alerts whose snooze has elapsed at now.
func (s *Service) DueSnoozed(ctx context.Context, now time.Time) ([]*Alert, error) {
	var out []*Alert
	err := retry.Do(ctx, s.policy, "alerts.due_snoozed", func(ctx context.Context) error {
		var err error
		out, err = s.store.DueSnoozed(ctx, now)
		return err
	})
	return out, err
}

// EscalationCandidates returns active alerts that have not been escalated.
func (s *Service) EscalationCandidates(ctx context.Context) ([]*Alert, error) {
	var out []*Alert
	err := retry.Do(ctx, s.policy, "alerts.escalation_candidates", func(ctx context.Context) error {
		var err error
		out, err = s.store.EscalationCandidates(ctx)
		return err
	})
	return out, err
}

// Changes returns alerts created or updated after cursor. Callers pass the
// returned NextCursor back on their next poll.
func (s *Service) Changes(ctx context.Context, cursor string, limit int) (Page, error) {
	after, err := ParseCursor(cursor)
	if err != nil {
		return Page{}, apperr.Validation("alerts.changes", err)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var out []*Alert
	err = retry.Do(ctx, s.policy, "alerts.changes", func(ctx context.Context) error {
		var err error
		out, err = s.store.Changes(ctx, after, limit)
		return err
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Alerts: out, NextCursor: cursor}
	if len(out) > 0 {
		page.NextCursor = CursorOf(out[len(out)-1]).String()
	}
	if page.Alerts == nil {
		page.Alerts = []*Alert{}
	}
	return page, nil
}

func requireActor(op string, actor Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return apperr.Wrap(apperr.KindUnauthorized, op, ErrMissingActor)
	}
	return nil
}

func invalidTransition(action string, a *Alert) error {
	return apperr.New(apperr.KindInvalidTransition, "alerts."+action,
		"cannot %s alert %s in status %s", action, a.ID, a.Status)
}
