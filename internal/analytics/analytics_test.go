package analytics_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"vigil/internal/alerts"
	"vigil/internal/analytics"
	"vigil/internal/apperr"
	"vigil/internal/clock"
	"vigil/internal/rules"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := day.Add(d)
	return &t
}

func history() []*alerts.Alert {
	return []*alerts.Alert{
		{ // acknowledged then resolved after 10 minutes
			ID: "a", AlertType: "cost_spike", Severity: rules.SeverityHigh, ModelName: "gpt-4o",
			Status: alerts.StatusResolved, CreatedAt: day,
			AcknowledgedAt: at(2 * time.Minute), ResolvedAt: at(10 * time.Minute),
		},
		{ // resolved without acknowledgement after 2 minutes
			ID: "b", AlertType: "cost_spike", Severity: rules.SeverityLow,
			Status: alerts.StatusResolved, CreatedAt: day.Add(time.Hour),
			ResolvedAt: at(time.Hour + 2*time.Minute),
		},
		{
			ID: "c", AlertType: "error_rate", Severity: rules.SeverityCritical, ModelName: "gpt-4o",
			Status: alerts.StatusActive, CreatedAt: day.Add(2 * time.Hour), EscalatedAt: at(2*time.Hour + 5*time.Minute),
		},
		{
			ID: "d", AlertType: "error_rate", Severity: rules.SeverityHigh, ModelName: "claude-3",
			Status: alerts.StatusAcknowledged, CreatedAt: day.Add(3 * time.Hour), AcknowledgedAt: at(3*time.Hour + 4*time.Minute),
		},
		{
			ID: "e", AlertType: "latency", Severity: rules.SeverityMedium,
			Status: alerts.StatusSnoozed, CreatedAt: day.Add(4 * time.Hour),
		},
		{ // outside the range
			ID: "z", AlertType: "latency", Severity: rules.SeverityLow,
			Status: alerts.StatusActive, CreatedAt: day.Add(48 * time.Hour),
		},
	}
}

func TestCompute(t *testing.T) {
	s := analytics.Compute(history(), day, day.Add(24*time.Hour))

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Open)
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 1, s.Acknowledged)
	assert.Equal(t, 1, s.Snoozed)
	assert.Equal(t, 2, s.Resolved)
	assert.Equal(t, 1, s.Escalated)

	assert.InDelta(t, 360.0, s.AverageResolutionSeconds, 0.001, "(600+120)/2")
	assert.InDelta(t, 600.0, s.MTTRSeconds, 0.001, "only the acknowledged alert counts")
	assert.InDelta(t, 180.0, s.MTTASeconds, 0.001, "(120+240)/2")

	assert.Equal(t, map[string]int{"cost_spike": 2, "error_rate": 2, "latency": 1}, s.ByType)
	assert.Equal(t, map[string]int{"high": 2, "low": 1, "critical": 1, "medium": 1}, s.BySeverity)
	assert.Equal(t, map[string]int{"gpt-4o": 2, "claude-3": 1, analytics.UnknownModel: 2}, s.ByModel)
}

func TestComputeEmpty(t *testing.T) {
	s := analytics.Compute(nil, day, day.Add(time.Hour))
	assert.Zero(t, s.Total)
	assert.Zero(t, s.MTTRSeconds)
	assert.NotNil(t, s.ByModel)
}

func TestServiceSummaryOverAlertStore(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(day)
	alertSvc := alerts.NewService(alerts.NewMemoryStore(), alerts.WithClock(clk))
	actor := alerts.Actor{ID: "u-1"}

	a, err := alertSvc.CreateManual(ctx, alerts.ManualRequest{AlertType: "incident", Severity: "high", Title: "outage"}, actor)
	require.NoError(t, err)
	_, err = alertSvc.Acknowledge(ctx, a.ID, actor)
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)
	_, err = alertSvc.Resolve(ctx, a.ID, actor)
	require.NoError(t, err)

	svc := analytics.NewService(alertSvc)
	s, err := svc.Summary(ctx, day, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Resolved)
	assert.InDelta(t, 300.0, s.AverageResolutionSeconds, 0.001)
	assert.InDelta(t, 300.0, s.MTTRSeconds, 0.001)

	_, err = svc.Summary(ctx, day, day)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestWriteXLSX(t *testing.T) {
	s := analytics.Compute(history(), day, day.Add(24*time.Hour))

	var buf bytes.Buffer
	require.NoError(t, analytics.WriteXLSX(&buf, s))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	total, err := f.GetCellValue("summary", "B5")
	require.NoError(t, err)
	assert.Equal(t, "5", total)

	model, err := f.GetCellValue("by_model", "A2")
	require.NoError(t, err)
	assert.Equal(t, "claude-3", model)
}
