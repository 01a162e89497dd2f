package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vigil/internal/apperr"
)

func openPostgres(dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	return db, nil
}

// classifyPostgres reads SQLSTATE classes: 08 connection exception,
// 40 transaction rollback (serialization failure, deadlock), 53
// insufficient resources, 57P0x operator intervention.
func classifyPostgres(err error) (apperr.Kind, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
			return apperr.KindTransientStore, true
		}
		return "", false
	}
	switch {
	case pgErr.Code == "23505":
		return apperr.KindConflict, true
	case strings.HasPrefix(pgErr.Code, "08"),
		strings.HasPrefix(pgErr.Code, "40"),
		strings.HasPrefix(pgErr.Code, "53"),
		strings.HasPrefix(pgErr.Code, "57P0"):
		return apperr.KindTransientStore, true
	}
	return "", false
}
