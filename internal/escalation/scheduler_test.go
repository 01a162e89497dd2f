package escalation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/alerts"
	"vigil/internal/clock"
	"vigil/internal/escalation"
	"vigil/internal/models"
	"vigil/internal/notify"
	"vigil/internal/rules"
	"vigil/internal/state"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type dispatched struct {
	alertID string
	kind    notify.Kind
	users   []string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatched
}

func (f *fakeDispatcher) DispatchAsync(ctx context.Context, a *alerts.Alert, rule *rules.Rule, kind notify.Kind) {
	p := notify.BuildPayload(a, rule, kind)
	f.mu.Lock()
	f.sent = append(f.sent, dispatched{a.ID, kind, p.Recipients.Users})
	f.mu.Unlock()
}

// slowChannel takes delay per send.
type slowChannel struct {
	delay time.Duration
	mu    sync.Mutex
	sent  []string
}

func (c *slowChannel) Name() string { return "slow" }

func (c *slowChannel) Send(ctx context.Context, p notify.Payload) error {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.sent = append(c.sent, p.AlertID)
	c.mu.Unlock()
	return nil
}

func (c *slowChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fixture struct {
	clock      *clock.Manual
	rules      *rules.Service
	alerts     *alerts.Service
	dispatcher *fakeDispatcher
	scheduler  *escalation.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	f := &fixture{
		clock:      clk,
		rules:      rules.NewService(rules.NewMemoryStore(), rules.WithClock(clk)),
		alerts:     alerts.NewService(alerts.NewMemoryStore(), alerts.WithClock(clk)),
		dispatcher: &fakeDispatcher{},
	}
	f.scheduler = escalation.NewScheduler(f.alerts, f.rules, f.dispatcher,
		escalation.WithClock(clk), escalation.WithTracker(state.NewMemoryTracker()))
	return f
}

func (f *fixture) rule(t *testing.T, mutate func(*rules.Rule)) *rules.Rule {
	t.Helper()
	r := &rules.Rule{
		Name:                   "R1",
		ConditionType:          rules.ConditionThreshold,
		Condition:              &rules.ThresholdCondition{Field: "cost", Operator: rules.OpGreater, Value: 1},
		AlertType:              "cost_spike",
		Severity:               rules.SeverityHigh,
		NotifyUsers:            []string{"analyst"},
		EscalationEnabled:      true,
		EscalationDelaySeconds: 300,
		EscalationUsers:        []string{"lead"},
		IsActive:               true,
	}
	if mutate != nil {
		mutate(r)
	}
	created, err := f.rules.Create(context.Background(), r)
	require.NoError(t, err)
	return created
}

func (f *fixture) open(t *testing.T, r *rules.Rule) *alerts.Alert {
	t.Helper()
	a, err := f.alerts.Open(context.Background(), alerts.OpenRequest{
		Rule:  r,
		Event: &models.Event{ID: "e1", Timestamp: t0, Model: "gpt-4o", Cost: 1.5},
	})
	require.NoError(t, err)
	return a
}

func TestEscalatesAfterDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, f.rule(t, nil))

	f.clock.Advance(299 * time.Second)
	res := f.scheduler.Sweep(ctx)
	assert.Zero(t, res.Escalated)

	f.clock.Advance(time.Second)
	res = f.scheduler.Sweep(ctx)
	assert.Equal(t, 1, res.Escalated)

	got, err := f.alerts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EscalatedAt)
	assert.Equal(t, alerts.StatusActive, got.Status)

	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, notify.KindEscalated, f.dispatcher.sent[0].kind)
	assert.Equal(t, []string{"analyst", "lead"}, f.dispatcher.sent[0].users)

	// at most once
	f.clock.Advance(time.Hour)
	res = f.scheduler.Sweep(ctx)
	assert.Zero(t, res.Escalated)
	assert.Len(t, f.dispatcher.sent, 1)
}

func TestAcknowledgedAlertsDoNotEscalate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, f.rule(t, nil))
	_, err := f.alerts.Acknowledge(ctx, a.ID, alerts.Actor{ID: "u-1"})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res := f.scheduler.Sweep(ctx)
	assert.Zero(t, res.Escalated)
	assert.Empty(t, f.dispatcher.sent)
}

func TestRulesWithoutEscalationAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, f.rule(t, func(r *rules.Rule) { r.EscalationEnabled = false }))

	f.clock.Advance(time.Hour)
	res := f.scheduler.Sweep(ctx)
	assert.Zero(t, res.Escalated)
	assert.Zero(t, res.Failed)
}

func TestDeletedRuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.rule(t, nil)
	f.open(t, r)
	require.NoError(t, f.rules.Delete(ctx, r.ID))

	f.clock.Advance(time.Hour)
	res := f.scheduler.Sweep(ctx)
	assert.Zero(t, res.Escalated)
	assert.Zero(t, res.Failed)
}

func TestSnoozeWakesUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.rule(t, func(r *rules.Rule) {
		r.EscalationEnabled = false
		r.NotifyOnReopen = true
	})
	a := f.open(t, r)
	_, err := f.alerts.Snooze(ctx, a.ID, alerts.Actor{ID: "u-1"}, 10)
	require.NoError(t, err)

	f.clock.Advance(9 * time.Minute)
	assert.Zero(t, f.scheduler.Sweep(ctx).Unsnoozed)

	f.clock.Advance(time.Minute)
	res := f.scheduler.Sweep(ctx)
	assert.Equal(t, 1, res.Unsnoozed)
	assert.Equal(t, 1, res.Reopened)

	got, err := f.alerts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusActive, got.Status)
	assert.Nil(t, got.SnoozedUntil)

	require.Len(t, f.dispatcher.sent, 1)
	assert.Equal(t, notify.KindReopened, f.dispatcher.sent[0].kind)
}

type flakySweeper struct {
	*alerts.Service
	failID string
}

func (f flakySweeper) Escalate(ctx context.Context, id string) (*alerts.Alert, error) {
	if id == f.failID {
		return nil, errors.New("store timeout")
	}
	if id == "panic" {
		panic("boom")
	}
	return f.Service.Escalate(ctx, id)
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.rule(t, nil)
	bad := f.open(t, r)
	good := f.open(t, r)

	s := escalation.NewScheduler(flakySweeper{f.alerts, bad.ID}, f.rules, f.dispatcher, escalation.WithClock(f.clock))
	f.clock.Advance(10 * time.Minute)
	res := s.Sweep(ctx)

	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 1, res.Failed)
	got, err := f.alerts.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EscalatedAt)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := escalation.NewScheduler(f.alerts, f.rules, f.dispatcher,
		escalation.WithClock(f.clock), escalation.WithInterval(5*time.Millisecond))
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}

func TestSweepDoesNotWaitForSlowChannels(t *testing.T) {
	ctx := context.Background()
	ch := &slowChannel{delay: 300 * time.Millisecond}
	dispatcher := notify.NewDispatcher([]notify.Channel{ch}, notify.WithTimeout(2*time.Second))

	f := newFixture(t)
	scheduler := escalation.NewScheduler(f.alerts, f.rules, dispatcher, escalation.WithClock(f.clock))

	r := f.rule(t, func(r *rules.Rule) { r.NotificationChannels = []string{"slow"} })
	for i := 0; i < 3; i++ {
		f.open(t, r)
	}
	f.clock.Advance(10 * time.Minute)

	began := time.Now()
	res := scheduler.Sweep(ctx)
	assert.Equal(t, 3, res.Escalated)
	assert.Less(t, time.Since(began), 250*time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(waitCtx))
	assert.Equal(t, 3, ch.count())
}
