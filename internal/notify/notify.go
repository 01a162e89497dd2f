// Package notify delivers alert notifications to named channels. Delivery
// is best-effort: failures are reported to the caller and never change
// alert state.
package notify

import (
	"context"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/rules"
)

// Kind is the reason a notification is sent.
type Kind string

const (
	KindCreated   Kind = "created"
	KindEscalated Kind = "escalated"
	KindReopened  Kind = "reopened"
)

// DefaultChannel is used when a rule names no channels.
const DefaultChannel = "in-app"

// Recipients lists who a notification targets. Resolving roles to users
// is left to the channel.
type Recipients struct {
	Users []string `json:"users"`
	Roles []string `json:"roles"`
}

// Payload is what every channel receives.
type Payload struct {
	AlertID     string         `json:"alert_id"`
	RuleID      string         `json:"rule_id,omitempty"`
	Kind        Kind           `json:"kind"`
	Severity    rules.Severity `json:"severity"`
	AlertType   string         `json:"alert_type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	ModelName   string         `json:"model_name,omitempty"`
	Recipients  Recipients     `json:"recipients"`
	CreatedAt   time.Time      `json:"created_at"`
	EscalatedAt *time.Time     `json:"escalated_at,omitempty"`
}

// Channel is one delivery mechanism.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// BuildPayload assembles the payload for an alert. Escalations add the
// rule's escalation users to the original recipients.
func BuildPayload(a *alerts.Alert, rule *rules.Rule, kind Kind) Payload {
	p := Payload{
		AlertID:     a.ID,
		RuleID:      a.RuleID,
		Kind:        kind,
		Severity:    a.Severity,
		AlertType:   a.AlertType,
		Title:       a.Title,
		Message:     a.Message,
		ModelName:   a.ModelName,
		CreatedAt:   a.CreatedAt,
		EscalatedAt: a.EscalatedAt,
		Recipients:  Recipients{Users: []string{}, Roles: []string{}},
	}
	if rule == nil {
		return p
	}

	users := append([]string{}, rule.NotifyUsers...)
	if kind == KindEscalated {
		users = append(users, rule.EscalationUsers...)
	}
	p.Recipients.Users = dedupe(users)
	p.Recipients.Roles = dedupe(append([]string{}, rule.NotifyRoles...))
	return p
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// channelsFor returns the channel names a rule asks for.
func channelsFor(rule *rules.Rule) []string {
	if rule == nil || len(rule.NotificationChannels) == 0 {
		return []string{DefaultChannel}
	}
	return dedupe(rule.NotificationChannels)
}
