package evaluator_test

import (
	"fmt"
	"testing"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/evaluator"
	"vigil/internal/models"
	"vigil/internal/rules"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func event(id string, offset time.Duration, mutate func(*models.Event)) *models.Event {
	e := &models.Event{
		ID:        id,
		Timestamp: base.Add(offset),
		Model:     "gpt-4o",
		Operation: "chat",
		Status:    models.StatusSuccess,
		Cost:      0.1,
		LatencyMs: 300,
	}
	if mutate != nil {
		mutate(e)
	}
	return e
}

func ruleWith(c rules.Condition) *rules.Rule {
	return &rules.Rule{ID: "r1", ConditionType: c.Type(), Condition: c}
}

func TestThreshold(t *testing.T) {
	r := ruleWith(&rules.ThresholdCondition{Field: "cost", Operator: rules.OpGreater, Value: 1.0})

	tests := []struct {
		name string
		cost float64
		want bool
	}{
		{"above", 1.5, true},
		{"equal", 1.0, false},
		{"below", 0.2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event("e", 0, func(e *models.Event) { e.Cost = tt.cost })
			got, err := evaluator.Evaluate(r, e, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThresholdMissingFieldDoesNotMatch(t *testing.T) {
	r := ruleWith(&rules.ThresholdCondition{Field: "confidence", Operator: rules.OpLess, Value: 0.5})
	got, err := evaluator.Evaluate(r, event("e", 0, nil), nil)
	if err != nil || got {
		t.Fatalf("absent confidence should not match: got %v, %v", got, err)
	}

	low := 0.2
	got, _ = evaluator.Evaluate(r, event("e", 0, func(e *models.Event) { e.Confidence = &low }), nil)
	if !got {
		t.Error("confidence 0.2 < 0.5 should match")
	}
}

func TestRate(t *testing.T) {
	r := ruleWith(&rules.RateCondition{
		Filter:        []rules.Predicate{{Field: "status", Equals: strPtr("error")}},
		WindowSeconds: 60,
		Operator:      rules.OpGreaterEqual,
		Count:         3,
	})
	failing := func(e *models.Event) { e.Status = models.StatusError }

	recent := []*models.Event{
		event("old", -90*time.Second, failing), // outside window
		event("a", -50*time.Second, failing),
		event("ok", -40*time.Second, nil), // filtered out
		event("b", -10*time.Second, failing),
		event("b", -10*time.Second, failing), // redelivered duplicate
	}

	current := event("cur", 0, failing)
	matched, err := evaluator.Evaluate(r, current, append(recent, current))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("a, b and the current event make three errors in 60s")
	}

	matched, _ = evaluator.Evaluate(r, current, recent[:3])
	if matched {
		t.Error("only two errors in window without b")
	}

	matched, _ = evaluator.Evaluate(r, event("cur2", 0, nil), recent)
	if matched {
		t.Error("a successful event must not trigger an error-rate rule")
	}
}

func TestRateEmptyFilterCountsEverything(t *testing.T) {
	r := ruleWith(&rules.RateCondition{WindowSeconds: 10, Operator: rules.OpGreater, Count: 2})
	var recent []*models.Event
	for i := 0; i < 3; i++ {
		recent = append(recent, event(fmt.Sprintf("e%d", i), -time.Duration(i)*time.Second, nil))
	}
	matched, err := evaluator.Evaluate(r, recent[0], recent)
	if err != nil || !matched {
		t.Fatalf("3 events in 10s should exceed 2: %v, %v", matched, err)
	}
}

func TestPattern(t *testing.T) {
	all := ruleWith(&rules.PatternCondition{
		Predicates: []rules.Predicate{
			{Field: "model", Equals: strPtr("GPT-4o")},
			{Field: "error_type", Exists: boolPtr(true)},
		},
	})
	anyOf := ruleWith(&rules.PatternCondition{
		Match: rules.MatchAny,
		Predicates: []rules.Predicate{
			{Field: "provider", NotEquals: strPtr("openai")},
			{Field: "metadata.flagged", Exists: boolPtr(true)},
		},
	})

	withError := event("e1", 0, func(e *models.Event) { e.ErrorType = "timeout" })
	plain := event("e2", 0, func(e *models.Event) { e.Provider = "openai" })

	if ok, _ := evaluator.Evaluate(all, withError, nil); !ok {
		t.Error("all-pattern should match event with model and error type")
	}
	if ok, _ := evaluator.Evaluate(all, plain, nil); ok {
		t.Error("all-pattern should not match event without error type")
	}
	if ok, _ := evaluator.Evaluate(anyOf, plain, nil); ok {
		t.Error("any-pattern should not match openai event without flag")
	}
	flagged := event("e3", 0, func(e *models.Event) {
		e.Provider = "openai"
		e.Metadata = map[string]string{"flagged": "yes"}
	})
	if ok, _ := evaluator.Evaluate(anyOf, flagged, nil); !ok {
		t.Error("any-pattern should match flagged event")
	}
}

func TestMalformedConditionIsValidationError(t *testing.T) {
	tests := []struct {
		name string
		rule *rules.Rule
	}{
		{"nil condition", &rules.Rule{ID: "r", ConditionType: rules.ConditionThreshold}},
		{"type mismatch", &rules.Rule{ID: "r", ConditionType: rules.ConditionRate, Condition: &rules.ThresholdCondition{Field: "cost", Operator: ">"}}},
		{"invalid payload", &rules.Rule{ID: "r", ConditionType: rules.ConditionRate, Condition: &rules.RateCondition{Operator: ">"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := evaluator.Evaluate(tt.rule, event("e", 0, nil), nil)
			if matched {
				t.Error("malformed rule must not match")
			}
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLookback(t *testing.T) {
	rs := []*rules.Rule{
		ruleWith(&rules.ThresholdCondition{Field: "cost", Operator: ">", Value: 1}),
		ruleWith(&rules.RateCondition{WindowSeconds: 30, Operator: ">", Count: 1}),
		ruleWith(&rules.RateCondition{WindowSeconds: 120, Operator: ">", Count: 1}),
	}
	if got := evaluator.Lookback(rs); got != 2*time.Minute {
		t.Errorf("Lookback() = %v", got)
	}
	if got := evaluator.Lookback(rs[:1]); got != 0 {
		t.Errorf("Lookback() without rate rules = %v", got)
	}
}
