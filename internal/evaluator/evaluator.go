// Package evaluator decides whether a single event satisfies a rule's
// trigger condition. It is pure: no clocks, no stores, no logging.
package evaluator

import (
	"errors"
	"fmt"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/models"
	"vigil/internal/rules"
)

// ErrNoCondition is returned for rules whose condition payload could not
// be decoded when they were loaded.
var ErrNoCondition = errors.New("rule has no usable condition payload")

// Evaluate reports whether event satisfies rule. recent is the lookback of
// events supplied by ingest; it may or may not contain event itself.
// A malformed condition yields a validation error.
func Evaluate(rule *rules.Rule, event *models.Event, recent []*models.Event) (bool, error) {
	if rule.Condition == nil {
		return false, apperr.Validation("evaluate", ErrNoCondition)
	}
	if rule.Condition.Type() != rule.ConditionType {
		return false, apperr.Validation("evaluate",
			fmt.Errorf("%w: declared %s, payload %s", rules.ErrConditionMismatch, rule.ConditionType, rule.Condition.Type()))
	}
	if err := rule.Condition.Validate(); err != nil {
		return false, apperr.Validation("evaluate", err)
	}

	switch c := rule.Condition.(type) {
	case *rules.ThresholdCondition:
		return threshold(c, event), nil
	case *rules.RateCondition:
		return rate(c, event, recent), nil
	case *rules.PatternCondition:
		return rules.MatchPredicates(c.Match, c.Predicates, event), nil
	default:
		return false, apperr.Validation("evaluate", fmt.Errorf("%w: %T", rules.ErrUnknownConditionType, c))
	}
}

func threshold(c *rules.ThresholdCondition, event *models.Event) bool {
	v, ok := event.Number(c.Field)
	if !ok {
		return false
	}
	return c.Operator.Compare(v, c.Value)
}

// rate counts filter matches in (ts-window, ts]. The triggering event must
// itself match and is counted exactly once. Duplicate ids in recent (from
// at-least-once delivery) are counted once.
func rate(c *rules.RateCondition, event *models.Event, recent []*models.Event) bool {
	if !rules.MatchPredicates(c.Match, c.Filter, event) {
		return false
	}

	end := event.Timestamp
	start := end.Add(-time.Duration(c.WindowSeconds) * time.Second)

	seen := map[string]struct{}{event.ID: {}}
	count := 1
	for _, e := range recent {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		if !e.Timestamp.After(start) || e.Timestamp.After(end) {
			continue
		}
		if !rules.MatchPredicates(c.Match, c.Filter, e) {
			continue
		}
		seen[e.ID] = struct{}{}
		count++
	}

	return c.Operator.Compare(float64(count), float64(c.Count))
}

// Lookback returns the longest rate window among rs, or zero when none of
// them needs recent events.
func Lookback(rs []*rules.Rule) time.Duration {
	var longest time.Duration
	for _, r := range rs {
		if c, ok := r.Condition.(*rules.RateCondition); ok {
			if w := time.Duration(c.WindowSeconds) * time.Second; w > longest {
				longest = w
			}
		}
	}
	return longest
}
