// Package analytics derives alert counts, resolution times and breakdowns
// from alert history. Everything here is read-only.
package analytics

import (
	"context"
	"errors"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
)

// UnknownModel groups alerts that carry no model name.
const UnknownModel = "unknown"

// ErrInvalidRange is returned when to is not after from.
var ErrInvalidRange = errors.New("analytics range must have to after from")

// Summary is the analytics view of [From, To).
type Summary struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Total        int `json:"total"`
	Open         int `json:"open"`
	Active       int `json:"active"`
	Acknowledged int `json:"acknowledged"`
	Snoozed      int `json:"snoozed"`
	Resolved     int `json:"resolved"`
	Escalated    int `json:"escalated"`

	// Seconds; zero when there is nothing to average.
	AverageResolutionSeconds float64 `json:"average_resolution_seconds"`
	MTTRSeconds              float64 `json:"mttr_seconds"`
	MTTASeconds              float64 `json:"mtta_seconds"`

	ByType     map[string]int `json:"by_type"`
	BySeverity map[string]int `json:"by_severity"`
	ByModel    map[string]int `json:"by_model"`
}

// Compute summarizes alerts created in [from, to). MTTR only counts alerts
// acknowledged before they were resolved; AverageResolutionSeconds counts
// every resolved alert.
func Compute(list []*alerts.Alert, from, to time.Time) Summary {
	s := Summary{
		From:       from,
		To:         to,
		ByType:     map[string]int{},
		BySeverity: map[string]int{},
		ByModel:    map[string]int{},
	}

	var resolveSum, mttrSum, mttaSum time.Duration
	var mttrN, mttaN int

	for _, a := range list {
		if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		s.Total++

		switch a.Status {
		case alerts.StatusActive:
			s.Active++
		case alerts.StatusAcknowledged:
			s.Acknowledged++
		case alerts.StatusSnoozed:
			s.Snoozed++
		case alerts.StatusResolved:
			s.Resolved++
		}
		if a.Status != alerts.StatusResolved {
			s.Open++
		}
		if a.EscalatedAt != nil {
			s.Escalated++
		}

		if a.AcknowledgedAt != nil {
			mttaSum += a.AcknowledgedAt.Sub(a.CreatedAt)
			mttaN++
		}
		if a.Status == alerts.StatusResolved && a.ResolvedAt != nil {
			d := a.ResolvedAt.Sub(a.CreatedAt)
			resolveSum += d
			if a.AcknowledgedAt != nil && !a.AcknowledgedAt.After(*a.ResolvedAt) {
				mttrSum += d
				mttrN++
			}
		}

		s.ByType[a.AlertType]++
		s.BySeverity[string(a.Severity)]++
		model := a.ModelName
		if model == "" {
			model = UnknownModel
		}
		s.ByModel[model]++
	}

	s.AverageResolutionSeconds = mean(resolveSum, s.Resolved)
	s.MTTRSeconds = mean(mttrSum, mttrN)
	s.MTTASeconds = mean(mttaSum, mttaN)
	return s
}

func mean(sum time.Duration, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum.Seconds() / float64(n)
}

// Source is the slice of the alert service analytics reads from.
type Source interface {
	List(ctx context.Context, f alerts.Filter) ([]*alerts.Alert, error)
}

// Service computes summaries on demand.
type Service struct {
	src Source
}

// NewService creates an analytics service over src.
func NewService(src Source) *Service {
	return &Service{src: src}
}

// Summary loads alerts created in [from, to) and summarizes them.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	if !to.After(from) {
		return Summary{}, apperr.Validation("analytics.summary", ErrInvalidRange)
	}
	list, err := s.src.List(ctx, alerts.Filter{From: from, To: to})
	if err != nil {
		return Summary{}, err
	}
	return Compute(list, from, to), nil
}
