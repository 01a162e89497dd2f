// Package storage persists rules, alerts and the audit trail in SQL, on
// Postgres (pgx) or SQLite (modernc).
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"vigil/internal/apperr"
	"vigil/internal/config"
	"vigil/internal/logger"
)

const currentSchemaVersion = 1

// DB is a migrated database handle shared by the rule and alert stores.
type DB struct {
	db        *sql.DB
	backend   string
	opTimeout time.Duration
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg config.StorageConfig) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err = openPostgres(cfg.DSN, cfg.MaxOpenConns)
	case config.BackendSQLite:
		db, err = openSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("storage backend %q has no SQL store", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	d := &DB{db: db, backend: cfg.Backend, opTimeout: cfg.OpTimeout}
	pingCtx, cancel := d.opContext(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Backend, err)
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithComponent("storage").Info().
		Str("backend", cfg.Backend).
		Int("schema_version", currentSchemaVersion).
		Msg("storage ready")
	return d, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks connectivity, for health checks.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	return d.classify("storage.ping", d.db.PingContext(ctx))
}

func (d *DB) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

// rebind rewrites ? placeholders for the backend.
func (d *DB) rebind(query string) string {
	if d.backend != config.BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify maps driver errors onto apperr kinds. Connection loss, timeouts,
// lock contention and serialization failures are transient_store; unique
// violations are conflict.
func (d *DB) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apperr.Wrap(apperr.KindTransientStore, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(apperr.KindTransientStore, op, err)
	}
	if kind, ok := classifyPostgres(err); ok {
		return apperr.Wrap(kind, op, err)
	}
	if kind, ok := classifySQLite(err); ok {
		return apperr.Wrap(kind, op, err)
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS rules (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		alert_type           TEXT NOT NULL,
		is_active            INTEGER NOT NULL,
		trigger_count        BIGINT NOT NULL DEFAULT 0,
		last_triggered_at_ms BIGINT,
		created_at_ms        BIGINT NOT NULL,
		updated_at_ms        BIGINT NOT NULL,
		body                 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_active ON rules (is_active, alert_type)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id               TEXT PRIMARY KEY,
		rule_id          TEXT NOT NULL,
		alert_type       TEXT NOT NULL,
		severity         TEXT NOT NULL,
		model_name       TEXT NOT NULL,
		status           TEXT NOT NULL,
		created_at_ms    BIGINT NOT NULL,
		updated_at_ms    BIGINT NOT NULL,
		snoozed_until_ms BIGINT,
		escalated_at_ms  BIGINT,
		version          BIGINT NOT NULL,
		change_seq       BIGINT NOT NULL,
		body             TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_changes ON alerts (change_seq)`,
	`CREATE TABLE IF NOT EXISTS change_counter (
		id    INTEGER PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT INTO change_counter (id, value) VALUES (1, 0)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status)`,
	`CREATE TABLE IF NOT EXISTS alert_audit (
		id       TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		seq      BIGINT NOT NULL,
		at_ms    BIGINT NOT NULL,
		body     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_audit_alert ON alert_audit (alert_id, seq)`,
}

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var version int
	err := d.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported (max: %d)", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaV1 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v0→v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("clearing schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_version (version) VALUES (?)`), currentSchemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return tx.Commit()
}

// nextChangeSeq bumps the change counter inside tx. The row lock is held
// until tx ends, so sequence numbers become visible in commit order.
func (d *DB) nextChangeSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE change_counter SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM change_counter WHERE id = 1`).Scan(&seq)
	return seq, err
}

// withTx runs fn inside a transaction under the op timeout.
func (d *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return d.classify(op, err)
	}
	return d.classify(op, tx.Commit())
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
