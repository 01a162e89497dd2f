package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vigil/internal/alerts"
	"vigil/internal/analytics"
	"vigil/internal/apperr"
	"vigil/internal/middleware"
	"vigil/internal/models"
	"vigil/internal/rules"
)

// RuleService is the rule CRUD surface of the admin API.
type RuleService interface {
	Create(ctx context.Context, r *rules.Rule) (*rules.Rule, error)
	Update(ctx context.Context, id string, r *rules.Rule) (*rules.Rule, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*rules.Rule, error)
	List(ctx context.Context, f rules.Filter) ([]*rules.Rule, error)
}

// AlertService is the alert surface of the admin API.
type AlertService interface {
	List(ctx context.Context, f alerts.Filter) ([]*alerts.Alert, error)
	Get(ctx context.Context, id string) (*alerts.Alert, error)
	Audit(ctx context.Context, id string) ([]alerts.AuditEntry, error)
	CreateManual(ctx context.Context, req alerts.ManualRequest, actor alerts.Actor) (*alerts.Alert, error)
	Acknowledge(ctx context.Context, id string, actor alerts.Actor) (*alerts.Alert, error)
	Resolve(ctx context.Context, id string, actor alerts.Actor) (*alerts.Alert, error)
	Snooze(ctx context.Context, id string, actor alerts.Actor, minutes int) (*alerts.Alert, error)
	Changes(ctx context.Context, cursor string, limit int) (alerts.Page, error)
}

// AnalyticsService computes alert summaries.
type AnalyticsService interface {
	Summary(ctx context.Context, from, to time.Time) (analytics.Summary, error)
}

// API serves /api/v1.
type API struct {
	rules     RuleService
	alerts    AlertService
	analytics AnalyticsService
	stream    http.Handler
	maxBody   int64
	now       func() time.Time
}

// APIConfig wires the admin API.
type APIConfig struct {
	Rules     RuleService
	Alerts    AlertService
	Analytics AnalyticsService
	// Stream serves the websocket change feed. Optional.
	Stream  http.Handler
	MaxBody int64
}

// NewAPI creates the admin API.
func NewAPI(cfg APIConfig) *API {
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &API{
		rules:     cfg.Rules,
		alerts:    cfg.Alerts,
		analytics: cfg.Analytics,
		stream:    cfg.Stream,
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// Routes returns the /api/v1 subtree.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", a.listRules)
		r.Post("/", a.createRule)
		r.Get("/{id}", a.getRule)
		r.Put("/{id}", a.updateRule)
		r.Delete("/{id}", a.deleteRule)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", a.listAlerts)
		r.Post("/", a.createAlert)
		r.Get("/changes", a.changes)
		if a.stream != nil {
			r.Handle("/stream", a.stream)
		}
		r.Get("/{id}", a.getAlert)
		r.Get("/{id}/audit", a.auditAlert)
		r.Post("/{id}/acknowledge", a.acknowledge)
		r.Post("/{id}/resolve", a.resolve)
		r.Post("/{id}/snooze", a.snooze)
	})

	r.Get("/analytics", a.summary)
	r.Get("/analytics/export.xlsx", a.exportXLSX)
	return r
}

// rules

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	var f rules.Filter
	q := r.URL.Query()
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeAppError(w, r, apperr.New(apperr.KindValidation, "rules.list", "active must be true or false"))
			return
		}
		f.Active = &active
	}
	f.AlertType = q.Get("alert_type")

	list, err := a.rules.List(r.Context(), f)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.actor(w, r, "rules.create"); !ok {
		return
	}
	var in rules.Rule
	if !a.decode(w, r, "rules.create", &in) {
		return
	}
	created, err := a.rules.Create(r.Context(), &in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.actor(w, r, "rules.update"); !ok {
		return
	}
	var in rules.Rule
	if !a.decode(w, r, "rules.update", &in) {
		return
	}
	updated, err := a.rules.Update(r.Context(), chi.URLParam(r, "id"), &in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.actor(w, r, "rules.delete"); !ok {
		return
	}
	if err := a.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// alerts

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alerts.Filter{
		Severity:  rules.Severity(strings.ToLower(q.Get("severity"))),
		AlertType: q.Get("alert_type"),
		ModelName: strings.ToLower(q.Get("model")),
		RuleID:    q.Get("rule_id"),
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			st := alerts.Status(strings.TrimSpace(strings.ToLower(s)))
			if st == "" {
				continue
			}
			if !st.IsValid() {
				writeAppError(w, r, apperr.New(apperr.KindValidation, "alerts.list", "unknown status %q", st))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = timeParam(q.Get("from")); err != nil {
		writeAppError(w, r, apperr.Validation("alerts.list", fmt.Errorf("from: %w", err)))
		return
	}
	if f.To, err = timeParam(q.Get("to")); err != nil {
		writeAppError(w, r, apperr.Validation("alerts.list", fmt.Errorf("to: %w", err)))
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeAppError(w, r, apperr.Validation("alerts.list", fmt.Errorf("limit: %w", err)))
		return
	}

	list, err := a.alerts.List(r.Context(), f)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) createAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r, "alerts.create")
	if !ok {
		return
	}
	var req alerts.ManualRequest
	if !a.decode(w, r, "alerts.create", &req) {
		return
	}
	created, err := a.alerts.CreateManual(r.Context(), req, actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) auditAlert(w http.ResponseWriter, r *http.Request) {
	entries, err := a.alerts.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if entries == nil {
		entries = []alerts.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) acknowledge(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "alerts.acknowledge", a.alerts.Acknowledge)
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "alerts.resolve", a.alerts.Resolve)
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (a *API) snooze(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r, "alerts.snooze")
	if !ok {
		return
	}
	var req snoozeRequest
	if !a.decode(w, r, "alerts.snooze", &req) {
		return
	}
	alert, err := a.alerts.Snooze(r.Context(), chi.URLParam(r, "id"), actor, req.Minutes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string, alerts.Actor) (*alerts.Alert, error)) {
	actor, ok := a.actor(w, r, op)
	if !ok {
		return
	}
	alert, err := fn(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) changes(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeAppError(w, r, apperr.Validation("alerts.changes", fmt.Errorf("limit: %w", err)))
		return
	}
	page, err := a.alerts.Changes(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// analytics

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	s, ok := a.loadSummary(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) exportXLSX(w http.ResponseWriter, r *http.Request) {
	s, ok := a.loadSummary(w, r)
	if !ok {
		return
	}
	name := fmt.Sprintf("alerts_%s_%s.xlsx", s.From.Format("20060102"), s.To.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := analytics.WriteXLSX(w, s); err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.KindInternal, "analytics.export", err))
	}
}

// loadSummary defaults to the trailing 24 hours.
func (a *API) loadSummary(w http.ResponseWriter, r *http.Request) (analytics.Summary, bool) {
	q := r.URL.Query()
	to, err := timeParam(q.Get("to"))
	if err != nil {
		writeAppError(w, r, apperr.Validation("analytics.summary", fmt.Errorf("to: %w", err)))
		return analytics.Summary{}, false
	}
	if to.IsZero() {
		to = a.now().UTC()
	}
	from, err := timeParam(q.Get("from"))
	if err != nil {
		writeAppError(w, r, apperr.Validation("analytics.summary", fmt.Errorf("from: %w", err)))
		return analytics.Summary{}, false
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	s, err := a.analytics.Summary(r.Context(), from, to)
	if err != nil {
		writeAppError(w, r, err)
		return analytics.Summary{}, false
	}
	return s, true
}

// helpers

func (a *API) actor(w http.ResponseWriter, r *http.Request, op string) (alerts.Actor, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, r, apperr.New(apperr.KindUnauthorized, op, "actor identity required"))
		return alerts.Actor{}, false
	}
	return alerts.Actor{ID: id.ID, Name: id.Name}, true
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	body := http.MaxBytesReader(w, r.Body, a.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is empty")
		}
		writeAppError(w, r, apperr.Validation(op, fmt.Errorf("invalid JSON: %w", err)))
		return false
	}
	return true
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return models.ParseTimestamp(v)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
