package rules_test

import (
	"encoding/json"
	"errors"
	"testing"

	"vigil/internal/rules"
)

func costRule() *rules.Rule {
	return &rules.Rule{
		Name:          "expensive calls",
		ConditionType: rules.ConditionThreshold,
		Condition: &rules.ThresholdCondition{
			Field:    "cost",
			Operator: rules.OpGreater,
			Value:    1.0,
		},
		AlertType:                "cost_spike",
		Severity:                 rules.SeverityHigh,
		AggregationWindowSeconds: 60,
		MaxAlertsPerWindow:       3,
		IsActive:                 true,
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*rules.Rule)
		wantErr error
	}{
		{"valid rule", func(r *rules.Rule) {}, nil},
		{"empty name", func(r *rules.Rule) { r.Name = "" }, rules.ErrEmptyName},
		{"empty alert type", func(r *rules.Rule) { r.AlertType = "" }, rules.ErrEmptyAlertType},
		{"bad severity", func(r *rules.Rule) { r.Severity = "urgent" }, rules.ErrInvalidSeverity},
		{"zero max alerts", func(r *rules.Rule) { r.MaxAlertsPerWindow = 0 }, rules.ErrInvalidMaxAlerts},
		{"negative window", func(r *rules.Rule) { r.AggregationWindowSeconds = -5 }, rules.ErrInvalidWindow},
		{"escalation without delay", func(r *rules.Rule) { r.EscalationEnabled = true }, rules.ErrInvalidEscalationDelay},
		{"escalation with delay", func(r *rules.Rule) { r.EscalationEnabled = true; r.EscalationDelaySeconds = 300 }, nil},
		{"missing condition", func(r *rules.Rule) { r.Condition = nil }, rules.ErrMissingCondition},
		{"mismatched condition", func(r *rules.Rule) { r.ConditionType = rules.ConditionRate }, rules.ErrConditionMismatch},
		{"bad operator", func(r *rules.Rule) { r.Condition = &rules.ThresholdCondition{Field: "cost", Operator: "=>"} }, rules.ErrInvalidOperator},
		{"non-numeric field", func(r *rules.Rule) { r.Condition = &rules.ThresholdCondition{Field: "model", Operator: ">"} }, rules.ErrNotNumericField},
		{"blank channel", func(r *rules.Rule) { r.NotificationChannels = []string{"in-app", " "} }, rules.ErrEmptyChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := costRule()
			tt.modify(r)
			err := r.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	r := &rules.Rule{Name: "  spaced  ", Severity: " HIGH "}
	r.ApplyDefaults()

	if r.Name != "spaced" {
		t.Errorf("name not trimmed: %q", r.Name)
	}
	if r.Severity != rules.SeverityHigh {
		t.Errorf("severity not normalized: %q", r.Severity)
	}
	if r.AggregationWindowSeconds != rules.DefaultAggregationWindowSeconds {
		t.Errorf("window default = %d", r.AggregationWindowSeconds)
	}
	if r.MaxAlertsPerWindow != rules.DefaultMaxAlertsPerWindow {
		t.Errorf("max alerts default = %d", r.MaxAlertsPerWindow)
	}
}

func TestRuleJSONConditionUnion(t *testing.T) {
	body := `{
		"name": "error burst",
		"condition_type": "rate",
		"condition": {
			"filter": [{"field": "status", "equals": "error"}],
			"window_seconds": 60,
			"operator": ">=",
			"count": 5
		},
		"alert_type": "error_rate",
		"severity": "critical"
	}`

	var r rules.Rule
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rate, ok := r.Condition.(*rules.RateCondition)
	if !ok {
		t.Fatalf("expected *RateCondition, got %T", r.Condition)
	}
	if rate.WindowSeconds != 60 || rate.Count != 5 || len(rate.Filter) != 1 {
		t.Errorf("unexpected rate condition: %+v", rate)
	}
	if !r.IsActive {
		t.Error("rules should default to active")
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(out, &generic); err != nil {
		t.Fatalf("re-read: %v", err)
	}
	cond, ok := generic["condition"].(map[string]any)
	if !ok || cond["window_seconds"] != float64(60) {
		t.Errorf("condition not emitted: %s", out)
	}
}

func TestRuleJSONRejectsMalformedCondition(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"condition_type":"threshold","condition":{"field":"cost","operator":">","value":1,"extra":true}}`},
		{"wrong shape", `{"condition_type":"pattern","condition":{"field":"cost"}}`},
		{"unknown type", `{"condition_type":"anomaly","condition":{"field":"cost"}}`},
		{"invalid predicate", `{"condition_type":"pattern","condition":{"predicates":[{"field":"model"}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r rules.Rule
			if err := json.Unmarshal([]byte(tt.body), &r); err == nil {
				t.Fatalf("expected decode error, got condition %+v", r.Condition)
			}
		})
	}
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op   rules.Operator
		a, b float64
		want bool
	}{
		{rules.OpGreater, 1.5, 1.0, true},
		{rules.OpGreater, 1.0, 1.0, false},
		{rules.OpGreaterEqual, 1.0, 1.0, true},
		{rules.OpLess, 0.2, 0.5, true},
		{rules.OpLessEqual, 0.5, 0.5, true},
		{rules.OpEqual, 3, 3, true},
		{rules.OpNotEqual, 3, 3, false},
		{"~", 1, 1, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("%v %s %v = %v, want %v", tt.a, tt.op, tt.b, got, tt.want)
		}
	}
}
