package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
)

// AlertStore implements alerts.Store. Updates are compare-and-swap on the
// version column inside a transaction that also appends the audit entry.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates an alert store on db.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

var _ alerts.Store = (*AlertStore)(nil)

func (s *AlertStore) Create(ctx context.Context, a *alerts.Alert, audit alerts.AuditEntry) error {
	stored := a.Clone()
	stored.Version = 1
	body, err := json.Marshal(stored)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "alerts.create", err)
	}

	var seq int64
	err = s.db.withTx(ctx, "alerts.create", func(tx *sql.Tx) error {
		var err error
		if seq, err = s.db.nextChangeSeq(ctx, tx); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.rebind(`
			INSERT INTO alerts (id, rule_id, alert_type, severity, model_name, status,
				created_at_ms, updated_at_ms, snoozed_until_ms, escalated_at_ms, version, change_seq, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			stored.ID, stored.RuleID, stored.AlertType, string(stored.Severity), stored.ModelName, string(stored.Status),
			toMillis(stored.CreatedAt), toMillis(stored.UpdatedAt), nullMillis(stored.SnoozedUntil),
			nullMillis(stored.EscalatedAt), stored.Version, seq, string(body))
		if err != nil {
			return err
		}
		return s.appendAudit(ctx, tx, audit)
	})
	if err != nil {
		return err
	}
	a.Version = 1
	a.ChangeSeq = seq
	return nil
}

func (s *AlertStore) Update(ctx context.Context, a *alerts.Alert, expectedVersion int64, audit *alerts.AuditEntry) error {
	stored := a.Clone()
	stored.Version = expectedVersion + 1
	body, err := json.Marshal(stored)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "alerts.update", err)
	}

	var seq int64
	err = s.db.withTx(ctx, "alerts.update", func(tx *sql.Tx) error {
		var err error
		if seq, err = s.db.nextChangeSeq(ctx, tx); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.db.rebind(`
			UPDATE alerts SET status = ?, severity = ?, updated_at_ms = ?, snoozed_until_ms = ?,
				escalated_at_ms = ?, version = ?, change_seq = ?, body = ?
			WHERE id = ? AND version = ?`),
			string(stored.Status), string(stored.Severity), toMillis(stored.UpdatedAt),
			nullMillis(stored.SnoozedUntil), nullMillis(stored.EscalatedAt), stored.Version, seq, string(body),
			stored.ID, expectedVersion)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current int64
			err := tx.QueryRowContext(ctx, s.db.rebind(`SELECT version FROM alerts WHERE id = ?`), stored.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("alerts.update", "alert", stored.ID)
			}
			if err != nil {
				return err
			}
			return apperr.New(apperr.KindConflict, "alerts.update",
				"alert %s changed concurrently (version %d, expected %d)", stored.ID, current, expectedVersion)
		}
		if audit != nil {
			return s.appendAudit(ctx, tx, *audit)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.Version = stored.Version
	a.ChangeSeq = seq
	return nil
}

func (s *AlertStore) appendAudit(ctx context.Context, tx *sql.Tx, e alerts.AuditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM alert_audit WHERE alert_id = ?`), e.AlertID).Scan(&seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO alert_audit (id, alert_id, seq, at_ms, body) VALUES (?, ?, ?, ?, ?)`),
		e.ID, e.AlertID, seq, toMillis(e.At), string(body))
	return err
}

const alertColumns = `body, version, change_seq`

func scanAlert(row interface{ Scan(...any) error }) (*alerts.Alert, error) {
	var (
		body    string
		version int64
		seq     int64
	)
	if err := row.Scan(&body, &version, &seq); err != nil {
		return nil, err
	}
	var a alerts.Alert
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, err
	}
	a.Version = version
	a.ChangeSeq = seq
	return &a, nil
}

func (s *AlertStore) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	a, err := scanAlert(s.db.db.QueryRowContext(ctx, s.db.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("alerts.get", "alert", id)
	}
	if err != nil {
		return nil, s.db.classify("alerts.get", err)
	}
	return a, nil
}

func (s *AlertStore) query(ctx context.Context, op, query string, args ...any) ([]*alerts.Alert, error) {
	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, s.db.classify(op, err)
	}
	defer rows.Close()

	out := make([]*alerts.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, s.db.classify(op, err)
		}
		out = append(out, a)
	}
	return out, s.db.classify(op, rows.Err())
}

func (s *AlertStore) List(ctx context.Context, f alerts.Filter) ([]*alerts.Alert, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.AlertType != "" {
		where = append(where, "alert_type = ?")
		args = append(args, f.AlertType)
	}
	if f.ModelName != "" {
		where = append(where, "model_name = ?")
		args = append(args, f.ModelName)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at_ms < ?")
		args = append(args, toMillis(f.To))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, "alerts.list", query, args...)
}

func (s *AlertStore) Audit(ctx context.Context, alertID string) ([]alerts.AuditEntry, error) {
	if _, err := s.Get(ctx, alertID); err != nil {
		return nil, err
	}

	ctx, cancel := s.db.opContext(ctx)
	defer cancel()
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(
		`SELECT body FROM alert_audit WHERE alert_id = ? ORDER BY seq`), alertID)
	if err != nil {
		return nil, s.db.classify("alerts.audit", err)
	}
	defer rows.Close()

	out := make([]alerts.AuditEntry, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, s.db.classify("alerts.audit", err)
		}
		var e alerts.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "alerts.audit", err)
		}
		out = append(out, e)
	}
	return out, s.db.classify("alerts.audit", rows.Err())
}

func (s *AlertStore) DueSnoozed(ctx context.Context, now time.Time) ([]*alerts.Alert, error) {
	return s.query(ctx, "alerts.due_snoozed",
		`SELECT `+alertColumns+` FROM alerts WHERE status = ? AND snoozed_until_ms <= ?`,
		string(alerts.StatusSnoozed), toMillis(now))
}

func (s *AlertStore) EscalationCandidates(ctx context.Context) ([]*alerts.Alert, error) {
	return s.query(ctx, "alerts.escalation_candidates",
		`SELECT `+alertColumns+` FROM alerts WHERE status = ? AND escalated_at_ms IS NULL AND rule_id <> ''`,
		string(alerts.StatusActive))
}

func (s *AlertStore) Changes(ctx context.Context, after alerts.Cursor, limit int) ([]*alerts.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE change_seq > ? ORDER BY change_seq`
	args := []any{after.Seq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, "alerts.changes", query, args...)
}
