// Package dbx holds the small amount of SQL plumbing shared by every
// Postgres-backed primitive store: schema-qualified table naming and a
// serializable-transaction helper with row-level locking. It is
// intentionally thin — the stores themselves own their SQL.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Schema resolves logical table names (spec §6) to schema-qualified,
// driver-quoted identifiers, honoring per-table name overrides.
type Schema struct {
	Name   string
	tables map[string]string
}

// NewSchema builds a Schema for schemaName, applying overrides (logical
// name -> physical name) on top of the spec's default table names.
func NewSchema(schemaName string, overrides map[string]string) *Schema {
	defaults := map[string]string{
		"outbox":             "outbox",
		"outbox_join":        "outbox_join",
		"outbox_join_member": "outbox_join_member",
		"inbox":              "inbox",
		"jobs":               "jobs",
		"job_runs":           "job_runs",
		"timers":             "timers",
		"scheduler_state":    "scheduler_state",
		"system_leases":      "system_leases",
		"external_side_effects": "external_side_effects",
	}
	for k, v := range overrides {
		defaults[k] = v
	}
	return &Schema{Name: schemaName, tables: defaults}
}

// Table returns the schema-qualified, quoted name for the logical table
// key (e.g. "outbox", "system_leases").
func (s *Schema) Table(key string) string {
	name, ok := s.tables[key]
	if !ok {
		name = key
	}
	if s.Name == "" {
		return pq.QuoteIdentifier(name)
	}
	return pq.QuoteIdentifier(s.Name) + "." + pq.QuoteIdentifier(name)
}

// TxFunc is the body of a serializable transaction.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// ErrSerializationFailure classifies a Postgres serialization/deadlock
// failure that is safe to retry once, per spec §7 ConflictRetry.
var ErrSerializationFailure = errors.New("dbx: serialization failure")

// WithSerializableTx runs fn inside a single SERIALIZABLE transaction,
// committing on success and rolling back on any error. All multi-row
// transitions required by the spec (ack+join counter increment,
// upsert+claim) go through this helper so they execute as one round trip.
func WithSerializableTx(ctx context.Context, db *sqlx.DB, fn TxFunc) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("dbx: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return ErrSerializationFailure
		}
		return fmt.Errorf("dbx: commit tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Rebind rewrites "?" bindvars in query to the target driver's native
// placeholder style (e.g. Postgres's "$1", "$2", ...).
func Rebind(db *sqlx.DB, query string) string {
	return db.Rebind(query)
}
