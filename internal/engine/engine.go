// Package engine runs each ingested event through the active rules:
// evaluate, admit into the rule's window, then open or touch an alert.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/evaluator"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/notify"
	"vigil/internal/retry"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// RuleSource is what the engine needs from the rule service.
type RuleSource interface {
	Active(ctx context.Context) ([]*rules.Rule, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
	MarkInvalid(id string, err error)
	ClearInvalid(id string)
}

// AlertWriter is what the engine needs from the alert service.
type AlertWriter interface {
	Open(ctx context.Context, req alerts.OpenRequest) (*alerts.Alert, error)
	Touch(ctx context.Context, id string, rule *rules.Rule, e *models.Event) (*alerts.Alert, error)
}

// Notifier sends notifications without blocking the caller.
type Notifier interface {
	DispatchAsync(ctx context.Context, a *alerts.Alert, rule *rules.Rule, kind notify.Kind)
}

// Engine is safe for concurrent use by many workers.
type Engine struct {
	rules    RuleSource
	alerts   AlertWriter
	tracker  state.Tracker
	notifier Notifier
	clock    clock.Clock

	recent      *models.RecentBuffer
	lookback    time.Duration
	parallelism int
	foldRetry   retry.Policy

	// alert opens in flight in this process, by alert id
	openingMu sync.Mutex
	opening   map[string]*pendingOpen
}

type pendingOpen struct {
	done   chan struct{}
	failed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRecentBuffer sets how many recent events are kept for rate rules.
func WithRecentBuffer(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.recent = models.NewRecentBuffer(size)
		}
	}
}

// WithLookback sets the minimum lookback handed to the evaluator. Rate
// rules with longer windows extend it.
func WithLookback(d time.Duration) Option {
	return func(e *Engine) { e.lookback = d }
}

// WithParallelism bounds concurrent rule evaluations per event.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithFoldRetry bounds how long a fold waits for its window's alert to be
// persisted by an opener running elsewhere.
func WithFoldRetry(p retry.Policy) Option {
	return func(e *Engine) {
		if p.Attempts > 0 {
			e.foldRetry = p
		}
	}
}

// New creates an engine.
func New(rs RuleSource, as AlertWriter, tracker state.Tracker, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		rules:       rs,
		alerts:      as,
		tracker:     tracker,
		notifier:    notifier,
		clock:       clock.System(),
		recent:      models.NewRecentBuffer(10000),
		parallelism: 8,
		foldRetry:   retry.Policy{Attempts: 6, Backoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond},
		opening:     make(map[string]*pendingOpen),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process evaluates one event against every active rule. Failures of a
// single rule are logged and counted, never returned; the error is
// non-nil only when the rule snapshot cannot be loaded or ctx ends.
func (e *Engine) Process(ctx context.Context, ev *models.Event) error {
	start := time.Now()
	defer func() {
		metrics.EventProcessDuration.Observe(time.Since(start).Seconds())
	}()

	e.recent.Add(ev)

	active, err := e.rules.Active(ctx)
	if err != nil {
		logger.WithError(err).Error().Str("event_id", ev.ID).Msg("failed to load active rules")
		return err
	}
	if len(active) == 0 {
		return nil
	}

	lookback := e.lookback
	if l := evaluator.Lookback(active); l > lookback {
		lookback = l
	}
	var recent []*models.Event
	if lookback > 0 {
		recent = e.recent.Since(ev.Timestamp.Add(-lookback))
	}

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, r := range active {
		g.Go(func() error {
			e.processRule(ctx, r, ev, recent)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (e *Engine) processRule(ctx context.Context, rule *rules.Rule, ev *models.Event, recent []*models.Event) {
	log := logger.WithRule("engine", rule.ID)
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("engine").Inc()
			log.Error().
				Interface("panic", r).
				Str("event_id", ev.ID).
				Msg("recovered from panic while processing rule")
		}
	}()

	ct := string(rule.ConditionType)
	matched, err := evaluator.Evaluate(rule, ev, recent)
	if err != nil {
		e.rules.MarkInvalid(rule.ID, err)
		metrics.RuleEvaluationsTotal.WithLabelValues(ct, "error").Inc()
		metrics.RuleEvaluationErrors.WithLabelValues("evaluate").Inc()
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("rule skipped: invalid condition")
		return
	}
	e.rules.ClearInvalid(rule.ID)
	if !matched {
		metrics.RuleEvaluationsTotal.WithLabelValues(ct, "no_match").Inc()
		return
	}
	metrics.RuleEvaluationsTotal.WithLabelValues(ct, "match").Inc()

	e.admit(ctx, rule, ev, true)
}

// admit places a match in the rule's window and opens, folds or drops it.
// A fold whose opener failed re-admits once, since the opener released
// the window.
func (e *Engine) admit(ctx context.Context, rule *rules.Rule, ev *models.Event, readmit bool) {
	log := logger.WithRule("engine", rule.ID)
	d, err := e.tracker.Admit(ctx, state.Admission{
		RuleID:       rule.ID,
		Window:       rule.AggregationWindow(),
		MaxPerWindow: rule.MaxAlertsPerWindow,
		EventTime:    ev.Timestamp,
	})
	if err != nil {
		metrics.RuleEvaluationErrors.WithLabelValues("admit").Inc()
		log.Error().Err(err).Str("event_id", ev.ID).Msg("window admit failed")
		return
	}
	metrics.WindowDecisionsTotal.WithLabelValues(string(d.Action)).Inc()

	switch d.Action {
	case state.ActionOpen:
		a, err := e.open(ctx, rule, ev, d)
		if err != nil {
			return
		}
		e.recordTrigger(ctx, rule)
		e.notifier.DispatchAsync(ctx, a, rule, notify.KindCreated)

	case state.ActionFold:
		if !e.awaitOpen(ctx, d.AlertID) {
			if readmit {
				e.admit(ctx, rule, ev, false)
				return
			}
			log.Warn().Str("alert_id", d.AlertID).Str("event_id", ev.ID).Msg("fold lost: window alert failed to open")
			e.recordTrigger(ctx, rule)
			return
		}
		if err := e.touch(ctx, d.AlertID, rule, ev); err != nil {
			if apperr.IsKind(err, apperr.KindInvalidTransition) {
				log.Debug().Str("alert_id", d.AlertID).Msg("window alert already resolved")
			} else {
				metrics.RuleEvaluationErrors.WithLabelValues("touch").Inc()
				log.Error().Err(err).Str("alert_id", d.AlertID).Msg("failed to touch alert")
			}
		}
		e.recordTrigger(ctx, rule)

	case state.ActionDrop:
		log.Debug().
			Str("window_key", d.WindowKey).
			Int64("count", d.Count).
			Msg("window exhausted, match counted only")
		e.recordTrigger(ctx, rule)
	}
}

// open persists the window's alert. On failure the window is released
// before waiting folders are woken.
func (e *Engine) open(ctx context.Context, rule *rules.Rule, ev *models.Event, d state.Decision) (*alerts.Alert, error) {
	done := e.beginOpen(d.AlertID)
	ok := false
	defer func() { done(ok) }()

	a, err := e.alerts.Open(ctx, alerts.OpenRequest{
		Rule:      rule,
		Event:     ev,
		AlertID:   d.AlertID,
		WindowKey: d.WindowKey,
	})
	if err != nil {
		log := logger.WithRule("engine", rule.ID)
		metrics.RuleEvaluationErrors.WithLabelValues("open").Inc()
		log.Error().Err(err).Str("window_key", d.WindowKey).Msg("failed to open alert")
		// let the next match in this window try again
		if rerr := e.tracker.Release(context.WithoutCancel(ctx), d.WindowKey, d.AlertID); rerr != nil {
			log.Error().Err(rerr).Str("window_key", d.WindowKey).Msg("failed to release window")
		}
		return nil, err
	}
	ok = true
	return a, nil
}

// beginOpen registers an in-flight open. The returned func must be called
// with the outcome.
func (e *Engine) beginOpen(alertID string) func(ok bool) {
	p := &pendingOpen{done: make(chan struct{})}
	e.openingMu.Lock()
	e.opening[alertID] = p
	e.openingMu.Unlock()

	return func(ok bool) {
		p.failed = !ok
		e.openingMu.Lock()
		delete(e.opening, alertID)
		e.openingMu.Unlock()
		close(p.done)
	}
}

// awaitOpen waits for a local open of alertID to finish and reports whether
// it succeeded. Alerts with no local open in flight report true.
func (e *Engine) awaitOpen(ctx context.Context, alertID string) bool {
	e.openingMu.Lock()
	p, ok := e.opening[alertID]
	e.openingMu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-p.done:
		return !p.failed
	case <-ctx.Done():
		return true
	}
}

// touch folds ev into alertID. NotFound is retried under foldRetry: the
// opener may be another replica sharing the window tracker.
func (e *Engine) touch(ctx context.Context, alertID string, rule *rules.Rule, ev *models.Event) error {
	var err error
	for attempt := 0; attempt < e.foldRetry.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.foldRetry.Delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return err
			}
		}
		_, err = e.alerts.Touch(ctx, alertID, rule, ev)
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
	}
	return err
}

func (e *Engine) recordTrigger(ctx context.Context, rule *rules.Rule) {
	at := e.clock.Now().UTC().Truncate(time.Millisecond)
	if err := e.rules.RecordTrigger(ctx, rule.ID, at); err != nil {
		metrics.RuleEvaluationErrors.WithLabelValues("record_trigger").Inc()
		logger.WithRule("engine", rule.ID).Warn().Err(err).Msg("failed to record rule trigger")
	}
}

// AlertChanged closes the aggregation window of an alert once it resolves,
// so the next match opens a fresh alert.
func (e *Engine) AlertChanged(ctx context.Context, c alerts.Change) {
	if c.Kind != alerts.ChangeResolved || c.Alert == nil || c.Alert.WindowKey == "" {
		return
	}
	if err := e.tracker.Release(ctx, c.Alert.WindowKey, c.Alert.ID); err != nil {
		logger.WithAlert("engine", c.Alert.ID).Warn().
			Err(err).
			Str("window_key", c.Alert.WindowKey).
			Msg("failed to release window for resolved alert")
	}
}

// RecentEvents reports how many events the lookback buffer holds.
func (e *Engine) RecentEvents() int {
	return e.recent.Len()
}
