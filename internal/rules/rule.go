package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity of alerts produced by a rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity is known
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Defaults applied when a rule leaves the field unset.
const (
	DefaultAggregationWindowSeconds = 300
	DefaultMaxAlertsPerWindow       = 1
)

// Rule validation errors
var (
	ErrEmptyName              = errors.New("rule name cannot be empty")
	ErrEmptyAlertType         = errors.New("alert type cannot be empty")
	ErrInvalidSeverity        = errors.New("severity must be critical, high, medium or low")
	ErrInvalidWindow          = errors.New("aggregation_window_seconds must be > 0")
	ErrInvalidMaxAlerts       = errors.New("max_alerts_per_window must be >= 1")
	ErrInvalidEscalationDelay = errors.New("escalation_delay_seconds must be > 0 when escalation is enabled")
	ErrEmptyChannel           = errors.New("notification channel names cannot be empty")
)

// Rule configures when and how alerts are produced from events.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ConditionType ConditionType `json:"condition_type"`
	Condition     Condition     `json:"-"`

	AlertType       string   `json:"alert_type"`
	Severity        Severity `json:"severity"`
	MessageTemplate string   `json:"message_template,omitempty"`

	NotificationChannels []string `json:"notification_channels,omitempty"`
	NotifyUsers          []string `json:"notify_users,omitempty"`
	NotifyRoles          []string `json:"notify_roles,omitempty"`
	NotifyOnReopen       bool     `json:"notify_on_reopen,omitempty"`

	AggregationWindowSeconds int `json:"aggregation_window_seconds"`
	MaxAlertsPerWindow       int `json:"max_alerts_per_window"`

	EscalationEnabled      bool     `json:"escalation_enabled"`
	EscalationDelaySeconds int      `json:"escalation_delay_seconds,omitempty"`
	EscalationUsers        []string `json:"escalation_users,omitempty"`

	IsActive        bool       `json:"is_active"`
	TriggerCount    int64      `json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// EvaluationError is the last configuration error seen while
	// evaluating this rule. Filled on admin reads only.
	EvaluationError string `json:"evaluation_error,omitempty"`
}

// MarshalJSON emits the condition under "condition" alongside its type.
func (r Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	return json.Marshal(struct {
		alias
		Condition Condition `json:"condition"`
	}{alias(r), r.Condition})
}

// UnmarshalJSON decodes the condition according to condition_type.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	aux := struct {
		*alias
		Condition json.RawMessage `json:"condition"`
	}{alias: (*alias)(r)}

	// rules are active unless the payload says otherwise
	r.IsActive = true
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Condition = nil
	if len(aux.Condition) == 0 {
		return nil
	}
	c, err := DecodeCondition(r.ConditionType, aux.Condition)
	if err != nil {
		return err
	}
	r.Condition = c
	return nil
}

// ApplyDefaults fills unset numeric settings.
func (r *Rule) ApplyDefaults() {
	r.Name = strings.TrimSpace(r.Name)
	r.AlertType = strings.TrimSpace(r.AlertType)
	r.Severity = Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
	if r.AggregationWindowSeconds == 0 {
		r.AggregationWindowSeconds = DefaultAggregationWindowSeconds
	}
	if r.MaxAlertsPerWindow == 0 {
		r.MaxAlertsPerWindow = DefaultMaxAlertsPerWindow
	}
}

// Validate checks the rule's invariants, including its condition payload.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return ErrEmptyName
	}
	if r.AlertType == "" {
		return ErrEmptyAlertType
	}
	if !r.Severity.IsValid() {
		return ErrInvalidSeverity
	}
	if !r.ConditionType.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, r.ConditionType)
	}
	if r.Condition == nil {
		return ErrMissingCondition
	}
	if r.Condition.Type() != r.ConditionType {
		return ErrConditionMismatch
	}
	if err := r.Condition.Validate(); err != nil {
		return err
	}
	if r.AggregationWindowSeconds <= 0 {
		return ErrInvalidWindow
	}
	if r.MaxAlertsPerWindow < 1 {
		return ErrInvalidMaxAlerts
	}
	if r.EscalationEnabled && r.EscalationDelaySeconds <= 0 {
		return ErrInvalidEscalationDelay
	}
	for _, ch := range r.NotificationChannels {
		if strings.TrimSpace(ch) == "" {
			return ErrEmptyChannel
		}
	}
	return nil
}

// AggregationWindow returns the window as a duration.
func (r *Rule) AggregationWindow() time.Duration {
	return time.Duration(r.AggregationWindowSeconds) * time.Second
}

// EscalationDelay returns the escalation delay as a duration.
func (r *Rule) EscalationDelay() time.Duration {
	return time.Duration(r.EscalationDelaySeconds) * time.Second
}

// Clone returns a deep copy. Conditions are treated as immutable and shared.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.NotificationChannels = cloneStrings(r.NotificationChannels)
	c.NotifyUsers = cloneStrings(r.NotifyUsers)
	c.NotifyRoles = cloneStrings(r.NotifyRoles)
	c.EscalationUsers = cloneStrings(r.EscalationUsers)
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
