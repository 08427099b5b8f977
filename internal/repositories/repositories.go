// package repositories provides persistence layer implementations for all model types.
//
// Each repository handles hand-written SQL for one entity, scoped by user and
// keyed by the composite natural keys that make sync upserts idempotent.
// Repositories run against *sql.DB by default; WithTx returns a copy bound to
// a transaction so the sync engine can commit one user's changes together.
package repositories

import (
	"database/sql"
	"time"
)

// DBTX is the subset of *sql.DB and *sql.Tx the repositories use.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// nullableTime converts an optional timestamp to its SQL representation.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// timePtr converts a scanned [sql.NullTime] back to an optional timestamp.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
