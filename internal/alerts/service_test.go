package alerts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/models"
	"vigil/internal/rules"
)

var (
	start    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	operator = alerts.Actor{ID: "u-1", Name: "Dana"}
)

func costRule() *rules.Rule {
	return &rules.Rule{
		ID:              "rule-1",
		Name:            "expensive calls",
		ConditionType:   rules.ConditionThreshold,
		Condition:       &rules.ThresholdCondition{Field: "cost", Operator: rules.OpGreater, Value: 1},
		AlertType:       "cost_spike",
		Severity:        rules.SeverityHigh,
		MessageTemplate: "{{.model}} cost ${{.cost}} on {{.operation}}",
	}
}

func costEvent(id string) *models.Event {
	return &models.Event{
		ID:        id,
		Timestamp: start,
		Model:     "gpt-4o",
		Operation: "chat",
		Status:    models.StatusSuccess,
		Cost:      1.5,
	}
}

func newService(t *testing.T) (*alerts.Service, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(start)
	return alerts.NewService(alerts.NewMemoryStore(), alerts.WithClock(clk)), clk
}

func open(t *testing.T, svc *alerts.Service) *alerts.Alert {
	t.Helper()
	a, err := svc.Open(context.Background(), alerts.OpenRequest{
		Rule:      costRule(),
		Event:     costEvent("evt-1"),
		WindowKey: "rule-1:28611840",
	})
	require.NoError(t, err)
	return a
}

func TestOpen(t *testing.T) {
	svc, _ := newService(t)
	a := open(t, svc)

	assert.Equal(t, alerts.StatusActive, a.Status)
	assert.Equal(t, "expensive calls", a.Title)
	assert.Equal(t, "gpt-4o cost $1.5 on chat", a.Message)
	assert.Equal(t, "gpt-4o", a.ModelName)
	assert.Equal(t, "rule-1", a.RuleID)
	assert.Equal(t, int64(1), a.Version)
	assert.Nil(t, a.ResolvedAt)

	audit, err := svc.Audit(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, alerts.ActionOpen, audit[0].Action)
	assert.Equal(t, alerts.StatusActive, audit[0].ToStatus)
}

func TestOpenIsIdempotentForSameID(t *testing.T) {
	svc, _ := newService(t)
	req := alerts.OpenRequest{Rule: costRule(), Event: costEvent("evt-1"), AlertID: "fixed"}

	first, err := svc.Open(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	audit, err := svc.Audit(context.Background(), "fixed")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestMessageTemplateFallback(t *testing.T) {
	svc, _ := newService(t)
	r := costRule()
	r.MessageTemplate = "{{.model"
	a, err := svc.Open(context.Background(), alerts.OpenRequest{Rule: r, Event: costEvent("e")})
	require.NoError(t, err)
	assert.Equal(t, "{{.model", a.Message)

	r.MessageTemplate = ""
	a, err = svc.Open(context.Background(), alerts.OpenRequest{Rule: r, Event: costEvent("e2")})
	require.NoError(t, err)
	assert.Contains(t, a.Message, "expensive calls")
	assert.Contains(t, a.Message, "gpt-4o")
}

func TestAcknowledgeThenResolve(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)
	a := open(t, svc)

	clk.Advance(time.Minute)
	acked, err := svc.Acknowledge(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	firstAck := *acked.AcknowledgedAt

	t.Run("second acknowledge is a no-op", func(t *testing.T) {
		clk.Advance(time.Second)
		again, err := svc.Acknowledge(ctx, a.ID, alerts.Actor{ID: "u-2"})
		require.NoError(t, err)
		assert.True(t, firstAck.Equal(*again.AcknowledgedAt))
		assert.Equal(t, "u-1", again.AcknowledgedBy)
	})

	clk.Advance(5 * time.Minute)
	resolved, err := svc.Resolve(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "Dana", resolved.ResolvedByName)

	audit, err := svc.Audit(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, []alerts.Action{alerts.ActionOpen, alerts.ActionAcknowledge, alerts.ActionResolve},
		[]alerts.Action{audit[0].Action, audit[1].Action, audit[2].Action})
	assert.Equal(t, alerts.StatusAcknowledged, audit[2].FromStatus)
}

func TestResolvedIsTerminal(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)
	a := open(t, svc)
	_, err := svc.Resolve(ctx, a.ID, operator)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	attempts := map[string]func() error{
		"acknowledge": func() error { _, err := svc.Acknowledge(ctx, a.ID, operator); return err },
		"resolve":     func() error { _, err := svc.Resolve(ctx, a.ID, operator); return err },
		"snooze":      func() error { _, err := svc.Snooze(ctx, a.ID, operator, 10); return err },
		"unsnooze":    func() error { _, err := svc.Unsnooze(ctx, a.ID); return err },
		"escalate":    func() error { _, err := svc.Escalate(ctx, a.ID); return err },
		"touch":       func() error { _, err := svc.Touch(ctx, a.ID, costRule(), costEvent("e")); return err },
	}
	for name, attempt := range attempts {
		t.Run(name, func(t *testing.T) {
			err := attempt()
			assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition), "got %v", err)
		})
	}

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusResolved, got.Status)
}

func TestSnoozeRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)
	a := open(t, svc)

	_, err := svc.Snooze(ctx, a.ID, operator, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.True(t, errors.Is(err, alerts.ErrInvalidSnooze))

	snoozed, err := svc.Snooze(ctx, a.ID, operator, 30)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)
	assert.True(t, snoozed.SnoozedUntil.Equal(start.Add(30*time.Minute)))

	_, err = svc.Acknowledge(ctx, a.ID, operator)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition), "acknowledge from snoozed")

	_, err = svc.Unsnooze(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition), "snooze has not elapsed")

	clk.Advance(30 * time.Minute)
	due, err := svc.DueSnoozed(ctx, clk.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	back, err := svc.Unsnooze(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusActive, back.Status)
	assert.Nil(t, back.SnoozedUntil)
}

func TestSnoozedAlertCanResolve(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	a := open(t, svc)

	_, err := svc.Snooze(ctx, a.ID, operator, 5)
	require.NoError(t, err)
	resolved, err := svc.Resolve(ctx, a.ID, operator)
	require.NoError(t, err)
	assert.Nil(t, resolved.SnoozedUntil)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestEscalateOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	a := open(t, svc)

	candidates, err := svc.EscalationCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	escalated, err := svc.Escalate(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, escalated.EscalatedAt)
	assert.Equal(t, alerts.StatusActive, escalated.Status)

	_, err = svc.Escalate(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))

	candidates, err = svc.EscalationCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestMutationsRequireActor(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	a := open(t, svc)

	_, err := svc.Acknowledge(ctx, a.ID, alerts.Actor{})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
	_, err = svc.CreateManual(ctx, alerts.ManualRequest{Title: "x", AlertType: "y", Severity: "low"}, alerts.Actor{})
	assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
}

func TestCreateManual(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	a, err := svc.CreateManual(ctx, alerts.ManualRequest{
		AlertType: "incident",
		Severity:  "Critical",
		Title:     "provider outage",
		ModelName: "Claude-3",
	}, operator)
	require.NoError(t, err)
	assert.True(t, a.IsManual())
	assert.Equal(t, rules.SeverityCritical, a.Severity)
	assert.Equal(t, "claude-3", a.ModelName)

	_, err = svc.CreateManual(ctx, alerts.ManualRequest{AlertType: "incident", Severity: "critical"}, operator)
	assert.ErrorIs(t, err, alerts.ErrEmptyTitle)

	// manual alerts never escalate automatically
	candidates, err := svc.EscalationCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestConcurrentTouchesAllLand(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(start)
	svc := alerts.NewService(alerts.NewMemoryStore(), alerts.WithClock(clk), alerts.WithConflictRetries(1000))
	a := open(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Touch(ctx, a.ID, costRule(), costEvent("dup")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(21), got.TriggerCount)
	assert.Equal(t, alerts.StatusActive, got.Status)

	audit, err := svc.Audit(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1, "touches are not audited")
}

func TestChangesCursor(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	first := open(t, svc)
	clk.Advance(time.Second)
	second := open(t, svc)

	page, err := svc.Changes(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, first.ID, page.Alerts[0].ID)

	page, err = svc.Changes(ctx, page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, second.ID, page.Alerts[0].ID)
	cursor := page.NextCursor

	empty, err := svc.Changes(ctx, cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Alerts)
	assert.Equal(t, cursor, empty.NextCursor)

	clk.Advance(time.Second)
	_, err = svc.Acknowledge(ctx, first.ID, operator)
	require.NoError(t, err)

	page, err = svc.Changes(ctx, cursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, first.ID, page.Alerts[0].ID)
	assert.Equal(t, alerts.StatusAcknowledged, page.Alerts[0].Status)

	_, err = svc.Changes(ctx, "garbage", 10)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestObserversSeeChanges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	var mu sync.Mutex
	var kinds []alerts.ChangeKind
	svc.Subscribe(alerts.ObserverFunc(func(ctx context.Context, c alerts.Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	}))
	svc.Subscribe(alerts.ObserverFunc(func(ctx context.Context, c alerts.Change) {
		panic("observer bug")
	}))

	a := open(t, svc)
	_, err := svc.Touch(ctx, a.ID, costRule(), costEvent("e2"))
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, a.ID, operator)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []alerts.ChangeKind{alerts.ChangeCreated, alerts.ChangeTouched, alerts.ChangeResolved}, kinds)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	svc, clk := newService(t)

	a := open(t, svc)
	clk.Advance(time.Minute)
	b := open(t, svc)
	_, err := svc.Resolve(ctx, a.ID, operator)
	require.NoError(t, err)

	active, err := svc.List(ctx, alerts.Filter{Statuses: []alerts.Status{alerts.StatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	all, err := svc.List(ctx, alerts.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	ranged, err := svc.List(ctx, alerts.Filter{From: start, To: start.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, a.ID, ranged[0].ID)
}

func TestChangesDeliversSameMillisecondWriteAfterPoll(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	openID := func(id string) {
		t.Helper()
		_, err := svc.Open(ctx, alerts.OpenRequest{Rule: costRule(), Event: costEvent("evt-" + id), AlertID: id})
		require.NoError(t, err)
	}

	openID("zzz")
	page, err := svc.Changes(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)

	// same clock reading, smaller id
	openID("aaa")
	page, err = svc.Changes(ctx, page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Alerts, 1)
	assert.Equal(t, "aaa", page.Alerts[0].ID)
}

func TestParseCursor(t *testing.T) {
	c, err := alerts.ParseCursor("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Seq)
	assert.Equal(t, "42", c.String())

	c, err = alerts.ParseCursor("")
	require.NoError(t, err)
	assert.Equal(t, "", c.String())

	_, err = alerts.ParseCursor("1717243200000_abc")
	assert.ErrorIs(t, err, alerts.ErrBadCursor)
	_, err = alerts.ParseCursor("-3")
	assert.ErrorIs(t, err, alerts.ErrBadCursor)
}
