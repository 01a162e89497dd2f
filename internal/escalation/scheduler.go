// Package escalation runs the periodic sweep that wakes snoozed alerts and
// escalates alerts nobody has acknowledged in time.
package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/notify"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// AlertSweeper is the slice of the alert service the sweep drives. All
// changes go through the state machine.
type AlertSweeper interface {
	DueSnoozed(ctx context.Context, now time.Time) ([]*alerts.Alert, error)
	EscalationCandidates(ctx context.Context) ([]*alerts.Alert, error)
	Unsnooze(ctx context.Context, id string) (*alerts.Alert, error)
	Escalate(ctx context.Context, id string) (*alerts.Alert, error)
}

// RuleLookup resolves an alert's owning rule.
type RuleLookup interface {
	Get(ctx context.Context, id string) (*rules.Rule, error)
}

// Dispatcher sends notifications without blocking the sweep.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, a *alerts.Alert, rule *rules.Rule, kind notify.Kind)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Unsnoozed int `json:"unsnoozed"`
	Escalated int `json:"escalated"`
	Reopened  int `json:"reopened"`
	Failed    int `json:"failed"`
	Reaped    int `json:"reaped"`
}

// Scheduler owns the sweep loop.
type Scheduler struct {
	alerts     AlertSweeper
	rules      RuleLookup
	dispatcher Dispatcher
	tracker    state.Tracker
	clock      clock.Clock
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTracker lets the sweep reap closed aggregation windows.
func WithTracker(t state.Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

// NewScheduler creates a scheduler. Call Start to begin sweeping.
func NewScheduler(as AlertSweeper, rl RuleLookup, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		alerts:     as,
		rules:      rl,
		dispatcher: d,
		clock:      clock.System(),
		interval:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep every interval until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log := logger.WithComponent("escalation")
		log.Info().Dur("interval", s.interval).Msg("escalation scheduler started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("escalation scheduler stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep performs one pass. Each alert is handled in isolation.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	log := logger.WithComponent("escalation")
	now := s.clock.Now().UTC()
	var res SweepResult
	ruleCache := make(map[string]*rules.Rule)

	due, err := s.alerts.DueSnoozed(ctx, now)
	if err != nil {
		res.Failed++
		log.Error().Err(err).Msg("failed to list snoozed alerts")
	}
	for _, a := range due {
		s.isolate(a.ID, &res, func() error {
			woken, err := s.alerts.Unsnooze(ctx, a.ID)
			if err != nil {
				return err
			}
			res.Unsnoozed++
			if woken.IsManual() {
				return nil
			}
			rule, err := s.rule(ctx, ruleCache, woken.RuleID)
			if err != nil || rule == nil || !rule.NotifyOnReopen {
				return nil
			}
			s.dispatcher.DispatchAsync(ctx, woken, rule, notify.KindReopened)
			res.Reopened++
			return nil
		})
	}

	candidates, err := s.alerts.EscalationCandidates(ctx)
	if err != nil {
		res.Failed++
		log.Error().Err(err).Msg("failed to list escalation candidates")
	}
	for _, a := range candidates {
		s.isolate(a.ID, &res, func() error {
			rule, err := s.rule(ctx, ruleCache, a.RuleID)
			if err != nil {
				return err
			}
			if rule == nil || !rule.EscalationEnabled || now.Sub(a.CreatedAt) < rule.EscalationDelay() {
				return nil
			}
			escalated, err := s.alerts.Escalate(ctx, a.ID)
			if apperr.IsKind(err, apperr.KindInvalidTransition) {
				// acknowledged, snoozed or resolved since the listing
				return nil
			}
			if err != nil {
				return err
			}
			res.Escalated++
			s.dispatcher.DispatchAsync(ctx, escalated, rule, notify.KindEscalated)
			return nil
		})
	}

	if s.tracker != nil {
		n, err := s.tracker.Reap(ctx, now)
		if err != nil {
			log.Warn().Err(err).Msg("failed to reap aggregation windows")
		}
		res.Reaped = n
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	metrics.SweepActionsTotal.WithLabelValues("unsnoozed").Add(float64(res.Unsnoozed))
	metrics.SweepActionsTotal.WithLabelValues("escalated").Add(float64(res.Escalated))
	metrics.SweepActionsTotal.WithLabelValues("reopened").Add(float64(res.Reopened))
	metrics.SweepActionsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.SweepActionsTotal.WithLabelValues("reaped").Add(float64(res.Reaped))

	if res != (SweepResult{}) {
		log.Info().
			Int("unsnoozed", res.Unsnoozed).
			Int("escalated", res.Escalated).
			Int("reopened", res.Reopened).
			Int("failed", res.Failed).
			Int("reaped", res.Reaped).
			Dur("duration", time.Since(start)).
			Msg("sweep completed")
	}
	return res
}

// rule returns nil without error for rules that no longer exist.
func (s *Scheduler) rule(ctx context.Context, cache map[string]*rules.Rule, id string) (*rules.Rule, error) {
	if r, ok := cache[id]; ok {
		return r, nil
	}
	r, err := s.rules.Get(ctx, id)
	if apperr.IsKind(err, apperr.KindNotFound) {
		cache[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cache[id] = r
	return r, nil
}

func (s *Scheduler) isolate(alertID string, res *SweepResult, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("escalation").Inc()
			res.Failed++
			logger.WithAlert("escalation", alertID).Error().
				Str("panic", fmt.Sprint(r)).
				Msg("recovered from panic during sweep")
		}
	}()
	if err := fn(); err != nil {
		res.Failed++
		logger.WithAlert("escalation", alertID).Error().Err(err).Msg("sweep step failed")
	}
}
