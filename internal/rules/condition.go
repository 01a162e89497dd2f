package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vigil/internal/models"
)

// ConditionType names the variant of a rule's trigger condition.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionRate      ConditionType = "rate"
	ConditionPattern   ConditionType = "pattern"
)

// IsValid reports whether t is a known condition type.
func (t ConditionType) IsValid() bool {
	switch t {
	case ConditionThreshold, ConditionRate, ConditionPattern:
		return true
	}
	return false
}

// Operator compares a measured value against a configured one.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// IsValid reports whether o is a known operator.
func (o Operator) IsValid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Compare applies the operator as "a <op> b".
func (o Operator) Compare(a, b float64) bool {
	switch o {
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	}
	return false
}

// MatchMode combines predicate results.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// Condition errors
var (
	ErrUnknownConditionType = errors.New("unknown condition type")
	ErrMissingCondition     = errors.New("condition payload is required")
	ErrConditionMismatch    = errors.New("condition payload does not match condition type")
	ErrInvalidOperator      = errors.New("operator must be one of > >= < <= == !=")
	ErrEmptyField           = errors.New("field cannot be empty")
	ErrNotNumericField      = errors.New("field is not a numeric event field")
	ErrInvalidPredicate     = errors.New("predicate must set exactly one of equals, not_equals, exists")
	ErrNoPredicates         = errors.New("pattern requires at least one predicate")
	ErrInvalidRateWindow    = errors.New("rate window_seconds must be > 0")
	ErrInvalidRateCount     = errors.New("rate count cannot be negative")
	ErrInvalidMatchMode     = errors.New("match must be all or any")
)

// Condition is the tagged union of trigger conditions.
type Condition interface {
	Type() ConditionType
	Validate() error
}

// Predicate tests one event field.
type Predicate struct {
	Field     string  `json:"field"`
	Equals    *string `json:"equals,omitempty"`
	NotEquals *string `json:"not_equals,omitempty"`
	Exists    *bool   `json:"exists,omitempty"`
}

func (p Predicate) validate() error {
	if strings.TrimSpace(p.Field) == "" {
		return ErrEmptyField
	}
	set := 0
	if p.Equals != nil {
		set++
	}
	if p.NotEquals != nil {
		set++
	}
	if p.Exists != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w (field %q)", ErrInvalidPredicate, p.Field)
	}
	return nil
}

// Matches evaluates the predicate against an event. String comparison is
// case-insensitive since identifiers are lower-cased on ingest.
func (p Predicate) Matches(e *models.Event) bool {
	v, ok := e.Lookup(p.Field)
	switch {
	case p.Exists != nil:
		return ok == *p.Exists
	case p.Equals != nil:
		return ok && strings.EqualFold(v, *p.Equals)
	case p.NotEquals != nil:
		return !ok || !strings.EqualFold(v, *p.NotEquals)
	}
	return false
}

// MatchPredicates combines predicates by mode. An empty set matches.
func MatchPredicates(mode MatchMode, preds []Predicate, e *models.Event) bool {
	if len(preds) == 0 {
		return true
	}
	if mode == MatchAny {
		for _, p := range preds {
			if p.Matches(e) {
				return true
			}
		}
		return false
	}
	for _, p := range preds {
		if !p.Matches(e) {
			return false
		}
	}
	return true
}

func validateMatch(m MatchMode) error {
	if m == "" || m == MatchAll || m == MatchAny {
		return nil
	}
	return ErrInvalidMatchMode
}

// ThresholdCondition compares one numeric event field with a constant.
type ThresholdCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

func (c *ThresholdCondition) Type() ConditionType { return ConditionThreshold }

func (c *ThresholdCondition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return ErrEmptyField
	}
	if !models.IsNumericField(c.Field) {
		return fmt.Errorf("%w: %q", ErrNotNumericField, c.Field)
	}
	if !c.Operator.IsValid() {
		return ErrInvalidOperator
	}
	return nil
}

// RateCondition counts events matching Filter within WindowSeconds of the
// triggering event and compares that count with Count.
type RateCondition struct {
	Filter        []Predicate `json:"filter,omitempty"`
	Match         MatchMode   `json:"match,omitempty"`
	WindowSeconds int         `json:"window_seconds"`
	Operator      Operator    `json:"operator"`
	Count         int         `json:"count"`
}

func (c *RateCondition) Type() ConditionType { return ConditionRate }

func (c *RateCondition) Validate() error {
	if c.WindowSeconds <= 0 {
		return ErrInvalidRateWindow
	}
	if c.Count < 0 {
		return ErrInvalidRateCount
	}
	if !c.Operator.IsValid() {
		return ErrInvalidOperator
	}
	if err := validateMatch(c.Match); err != nil {
		return err
	}
	for _, p := range c.Filter {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// PatternCondition matches field equality and existence predicates.
type PatternCondition struct {
	Predicates []Predicate `json:"predicates"`
	Match      MatchMode   `json:"match,omitempty"`
}

func (c *PatternCondition) Type() ConditionType { return ConditionPattern }

func (c *PatternCondition) Validate() error {
	if len(c.Predicates) == 0 {
		return ErrNoPredicates
	}
	if err := validateMatch(c.Match); err != nil {
		return err
	}
	for _, p := range c.Predicates {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeCondition strictly decodes raw into the variant named by t and
// validates it.
func DecodeCondition(t ConditionType, raw []byte) (Condition, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrMissingCondition
	}

	var c Condition
	switch t {
	case ConditionThreshold:
		c = &ThresholdCondition{}
	case ConditionRate:
		c = &RateCondition{}
	case ConditionPattern:
		c = &PatternCondition{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConditionType, t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decode %s condition: %w", t, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
