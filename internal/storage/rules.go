package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/rules"
)

// RuleStore implements rules.Store. The rule document is kept as JSON;
// filterable fields and trigger bookkeeping get their own columns.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a rule store on db.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

var _ rules.Store = (*RuleStore)(nil)

func encodeRule(r *rules.Rule) (string, error) {
	c := r.Clone()
	c.EvaluationError = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *RuleStore) Create(ctx context.Context, r *rules.Rule) error {
	body, err := encodeRule(r)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rules.create", err)
	}
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	_, err = s.db.db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO rules (id, name, alert_type, is_active, trigger_count, last_triggered_at_ms, created_at_ms, updated_at_ms, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.AlertType, boolInt(r.IsActive), r.TriggerCount, nullMillis(r.LastTriggeredAt),
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), body)
	return s.db.classify("rules.create", err)
}

func (s *RuleStore) Update(ctx context.Context, r *rules.Rule) error {
	body, err := encodeRule(r)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "rules.update", err)
	}
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	res, err := s.db.db.ExecContext(ctx, s.db.rebind(`
		UPDATE rules SET name = ?, alert_type = ?, is_active = ?, updated_at_ms = ?, body = ?
		WHERE id = ?`),
		r.Name, r.AlertType, boolInt(r.IsActive), toMillis(r.UpdatedAt), body, r.ID)
	return s.requireRow("rules.update", r.ID, res, err)
}

func (s *RuleStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	res, err := s.db.db.ExecContext(ctx, s.db.rebind(`DELETE FROM rules WHERE id = ?`), id)
	return s.requireRow("rules.delete", id, res, err)
}

func (s *RuleStore) requireRow(op, id string, res sql.Result, err error) error {
	if err != nil {
		return s.db.classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.db.classify(op, err)
	}
	if n == 0 {
		return apperr.NotFound(op, "rule", id)
	}
	return nil
}

const ruleColumns = `body, trigger_count, last_triggered_at_ms`

func scanRule(row interface{ Scan(...any) error }) (*rules.Rule, error) {
	var (
		body  string
		count int64
		last  sql.NullInt64
	)
	if err := row.Scan(&body, &count, &last); err != nil {
		return nil, err
	}
	var r rules.Rule
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, err
	}
	r.TriggerCount = count
	r.LastTriggeredAt = fromNullMillis(last)
	return &r, nil
}

func (s *RuleStore) Get(ctx context.Context, id string) (*rules.Rule, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	row := s.db.db.QueryRowContext(ctx, s.db.rebind(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`), id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rules.get", "rule", id)
	}
	if err != nil {
		return nil, s.db.classify("rules.get", err)
	}
	return r, nil
}

func (s *RuleStore) List(ctx context.Context, f rules.Filter) ([]*rules.Rule, error) {
	var (
		where []string
		args  []any
	)
	if f.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolInt(*f.Active))
	}
	if f.AlertType != "" {
		where = append(where, "alert_type = ?")
		args = append(args, f.AlertType)
	}
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms, id"

	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, s.db.classify("rules.list", err)
	}
	defer rows.Close()

	out := make([]*rules.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, s.db.classify("rules.list", err)
		}
		out = append(out, r)
	}
	return out, s.db.classify("rules.list", rows.Err())
}

func (s *RuleStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(at)
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	res, err := s.db.db.ExecContext(ctx, s.db.rebind(`
		UPDATE rules SET
			trigger_count = trigger_count + 1,
			last_triggered_at_ms = CASE
				WHEN last_triggered_at_ms IS NULL OR last_triggered_at_ms < ? THEN ?
				ELSE last_triggered_at_ms
			END
		WHERE id = ?`), ms, ms, id)
	return s.requireRow("rules.record_trigger", id, res, err)
}
