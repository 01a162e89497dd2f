package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"

	"vigil/internal/apperr"
)

// SQLite result codes, see https://sqlite.org/rescode.html.
const (
	sqliteBusy              = 5
	sqliteLocked            = 6
	sqliteConstraintPK      = 1555
	sqliteConstraintUnique  = 2067
	sqlitePrimaryResultMask = 0xff
)

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// one writer at a time; a single connection also keeps PRAGMAs in effect
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

func classifySQLite(err error) (apperr.Kind, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	code := sqliteErr.Code()
	switch {
	case code == sqliteConstraintPK || code == sqliteConstraintUnique:
		return apperr.KindConflict, true
	case code&sqlitePrimaryResultMask == sqliteBusy || code&sqlitePrimaryResultMask == sqliteLocked:
		return apperr.KindTransientStore, true
	}
	return "", false
}
