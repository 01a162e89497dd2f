package storage

import "context"

// Truncate empties every table so a shared Postgres database can be reused
// between tests.
func Truncate(ctx context.Context, d *DB) error {
	for _, table := range []string{"alert_audit", "alerts", "rules"} {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
