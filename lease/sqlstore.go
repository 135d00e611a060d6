package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

// SQLStore is the Postgres-backed implementation of Store, persisting rows
// in the SystemLeases table described in spec §6. It implements the same
// fencing discipline as the in-memory MemoryStore; only the storage medium
// differs, grounded on the same "delete-if-expired, insert-to-acquire"
// pattern a SQL-backed leaser in this problem space uses, generalized to
// also track and bump a monotonic fencing token on every successful
// acquire and renew.
type SQLStore struct {
	db     *sqlx.DB
	schema *dbx.Schema
	clock  platformtime.Source
}

// NewSQLStore builds a SQLStore against db, scoping all queries to the
// given schema (pass an empty schema name to use the connection's default
// search_path). clk supplies "now"; pass platformtime.WallClock in
// production and a testclock-backed Source in tests, the same swappable
// time source MemoryStore already takes.
func NewSQLStore(db *sqlx.DB, schema *dbx.Schema, clk platformtime.Source) *SQLStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &SQLStore{db: db, schema: schema, clock: clk}
}

type leaseRow struct {
	OwnerToken   sql.NullString `db:"owner_token"`
	FencingToken int64          `db:"fencing_token"`
	ExpiresAt    time.Time      `db:"expires_at"`
}

func (s *SQLStore) table() string { return s.schema.Table("system_leases") }

func (s *SQLStore) Acquire(ctx context.Context, resource string, owner ownertoken.Token, duration time.Duration) (*Lease, error) {
	if resource == "" {
		return nil, invalidArgument("resource key must not be empty")
	}
	if duration <= 0 {
		return nil, invalidArgument("duration must be positive")
	}

	var result *Lease
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row leaseRow
		q := dbx.Rebind(s.db, `SELECT owner_token, fencing_token, expires_at FROM `+s.table()+` WHERE key = ? FOR UPDATE`)
		err := tx.GetContext(ctx, &row, q, resource)

		now := s.clock.Now()
		resolvedOwner := owner
		if resolvedOwner.Empty() {
			resolvedOwner = ownertoken.Generate()
		}

		switch {
		case errors.Is(err, sql.ErrNoRows):
			ins := dbx.Rebind(s.db, `INSERT INTO `+s.table()+` (key, owner_token, fencing_token, expires_at) VALUES (?, ?, 1, ?)`)
			if _, err := tx.ExecContext(ctx, ins, resource, string(resolvedOwner), now.Add(duration)); err != nil {
				return err
			}
			result = &Lease{Key: resource, OwnerToken: resolvedOwner, FencingToken: 1, ExpiresAt: now.Add(duration)}
			return nil
		case err != nil:
			return err
		}

		heldByOther := row.ExpiresAt.After(now) && row.OwnerToken.String != string(owner)
		if heldByOther {
			result = nil
			return nil
		}

		nextFencing := row.FencingToken + 1
		nextExpiry := now.Add(duration)
		upd := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET owner_token = ?, fencing_token = ?, expires_at = ? WHERE key = ?`)
		if _, err := tx.ExecContext(ctx, upd, string(resolvedOwner), nextFencing, nextExpiry, resource); err != nil {
			return err
		}
		result = &Lease{Key: resource, OwnerToken: resolvedOwner, FencingToken: nextFencing, ExpiresAt: nextExpiry}
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return result, nil
}

func (s *SQLStore) TryRenewNow(ctx context.Context, l *Lease, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, invalidArgument("duration must be positive")
	}

	renewed := false
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row leaseRow
		q := dbx.Rebind(s.db, `SELECT owner_token, fencing_token, expires_at FROM `+s.table()+` WHERE key = ? FOR UPDATE`)
		if err := tx.GetContext(ctx, &row, q, l.Key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		now := s.clock.Now()
		if row.OwnerToken.String != string(l.OwnerToken) || row.FencingToken != l.FencingToken || !row.ExpiresAt.After(now) {
			return nil
		}

		nextFencing := row.FencingToken + 1
		nextExpiry := now.Add(duration)
		upd := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET fencing_token = ?, expires_at = ? WHERE key = ?`)
		if _, err := tx.ExecContext(ctx, upd, nextFencing, nextExpiry, l.Key); err != nil {
			return err
		}
		l.FencingToken = nextFencing
		l.ExpiresAt = nextExpiry
		renewed = true
		return nil
	})
	if err != nil {
		return false, transientIfUnclassified(err)
	}
	return renewed, nil
}

func (s *SQLStore) ThrowIfLost(ctx context.Context, l *Lease) error {
	var row leaseRow
	q := dbx.Rebind(s.db, `SELECT owner_token, fencing_token, expires_at FROM `+s.table()+` WHERE key = ?`)
	err := s.db.GetContext(ctx, &row, q, l.Key)
	if errors.Is(err, sql.ErrNoRows) {
		return leaseLost(l.Key)
	}
	if err != nil {
		return transientIfUnclassified(err)
	}
	if row.OwnerToken.String != string(l.OwnerToken) || row.FencingToken != l.FencingToken || !row.ExpiresAt.After(s.clock.Now()) {
		return leaseLost(l.Key)
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, l *Lease) error {
	q := dbx.Rebind(s.db, `DELETE FROM `+s.table()+` WHERE key = ? AND owner_token = ?`)
	_, err := s.db.ExecContext(ctx, q, l.Key, string(l.OwnerToken))
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func transientIfUnclassified(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dbx.ErrSerializationFailure) {
		return conflictRetry(err)
	}
	return transientIO(err)
}
