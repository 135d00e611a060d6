package sideeffect

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

// SQLStore is the Postgres-backed implementation of Store (spec §4.5),
// persisting rows in the external_side_effects table keyed by
// (operation_name, idempotency_key).
type SQLStore struct {
	db     *sqlx.DB
	schema *dbx.Schema
	clock  platformtime.Source
}

// NewSQLStore builds a SQLStore against db, scoped to schema. clk supplies
// "now"; pass platformtime.WallClock in production and a testclock-backed
// Source in tests.
func NewSQLStore(db *sqlx.DB, schema *dbx.Schema, clk platformtime.Source) *SQLStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &SQLStore{db: db, schema: schema, clock: clk}
}

func (s *SQLStore) table() string { return s.schema.Table("external_side_effects") }

func statusName(st Status) string { return st.String() }

func parseStatus(name string) Status {
	switch name {
	case "InFlight":
		return InFlight
	case "Succeeded":
		return Succeeded
	case "Failed":
		return Failed
	default:
		return Pending
	}
}

type sideEffectRow struct {
	OperationName   string         `db:"operation_name"`
	IdempotencyKey  string         `db:"idempotency_key"`
	Status          string         `db:"status"`
	AttemptCount    int            `db:"attempt_count"`
	LockedUntil     sql.NullTime   `db:"locked_until"`
	LockedBy        sql.NullString `db:"locked_by"`
	ExternalRefID   sql.NullString `db:"external_ref_id"`
	ExternalStatus  sql.NullString `db:"external_status"`
	LastError       sql.NullString `db:"last_error"`
	LastCheckedAt   sql.NullTime   `db:"last_checked_at"`
	CorrelationID   sql.NullString `db:"correlation_id"`
	OutboxMessageID sql.NullString `db:"outbox_message_id"`
	PayloadHash     sql.NullString `db:"payload_hash"`
}

func (r sideEffectRow) toRecord() *Record {
	return &Record{
		OperationName:   r.OperationName,
		IdempotencyKey:  r.IdempotencyKey,
		Status:          parseStatus(r.Status),
		AttemptCount:    r.AttemptCount,
		LockedUntil:     r.LockedUntil.Time,
		LockedBy:        ownertoken.Token(r.LockedBy.String),
		ExternalRefID:   r.ExternalRefID.String,
		ExternalStatus:  r.ExternalStatus.String,
		LastError:       r.LastError.String,
		LastCheckedAt:   r.LastCheckedAt.Time,
		CorrelationID:   r.CorrelationID.String,
		OutboxMessageID: r.OutboxMessageID.String,
		PayloadHash:     r.PayloadHash.String,
	}
}

const selectCols = `operation_name, idempotency_key, status, attempt_count, locked_until, locked_by,
	external_ref_id, external_status, last_error, last_checked_at, correlation_id, outbox_message_id, payload_hash`

func (s *SQLStore) LoadOrCreate(ctx context.Context, operationName, idempotencyKey, correlationID, outboxMessageID, payloadHash string) (*Record, error) {
	if operationName == "" || idempotencyKey == "" {
		return nil, invalidArgument("operationName and idempotencyKey must not be empty")
	}

	var rec *Record
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row sideEffectRow
		q := dbx.Rebind(s.db, `SELECT `+selectCols+` FROM `+s.table()+` WHERE operation_name = ? AND idempotency_key = ? FOR UPDATE`)
		err := tx.GetContext(ctx, &row, q, operationName, idempotencyKey)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ins := dbx.Rebind(s.db, `INSERT INTO `+s.table()+
				` (operation_name, idempotency_key, status, attempt_count, correlation_id, outbox_message_id, payload_hash)
				  VALUES (?, ?, ?, 0, ?, ?, ?)`)
			_, err := tx.ExecContext(ctx, ins, operationName, idempotencyKey, statusName(Pending), nullableString(correlationID), nullableString(outboxMessageID), nullableString(payloadHash))
			if err != nil {
				return err
			}
			rec = &Record{OperationName: operationName, IdempotencyKey: idempotencyKey, Status: Pending, CorrelationID: correlationID, OutboxMessageID: outboxMessageID, PayloadHash: payloadHash}
			return nil
		case err != nil:
			return err
		}
		rec = row.toRecord()
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return rec, nil
}

func (s *SQLStore) RecordCheck(ctx context.Context, operationName, idempotencyKey string, at time.Time) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET last_checked_at = ? WHERE operation_name = ? AND idempotency_key = ?`)
	_, err := s.db.ExecContext(ctx, q, at, operationName, idempotencyKey)
	return transientIfUnclassified(err)
}

func (s *SQLStore) TryBeginAttempt(ctx context.Context, operationName, idempotencyKey string, lockedBy ownertoken.Token, lockDuration time.Duration) (Outcome, *Record, error) {
	var outcome Outcome
	var rec *Record
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row sideEffectRow
		q := dbx.Rebind(s.db, `SELECT `+selectCols+` FROM `+s.table()+` WHERE operation_name = ? AND idempotency_key = ? FOR UPDATE`)
		if err := tx.GetContext(ctx, &row, q, operationName, idempotencyKey); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return invalidArgument("unknown record")
			}
			return err
		}

		now := s.clock.Now()
		switch parseStatus(row.Status) {
		case Succeeded:
			outcome = AlreadyCompleted
			return nil
		case Failed:
			outcome = PermanentFailure
			return nil
		case InFlight:
			if row.LockedBy.String != string(lockedBy) && row.LockedUntil.Valid && row.LockedUntil.Time.After(now) {
				outcome = Locked
				return nil
			}
		}

		owner := lockedBy
		if owner.Empty() {
			owner = ownertoken.Generate()
		}
		upd := dbx.Rebind(s.db, `UPDATE `+s.table()+
			` SET status = ?, attempt_count = attempt_count + 1, locked_until = ?, locked_by = ?
			  WHERE operation_name = ? AND idempotency_key = ?`)
		if _, err := tx.ExecContext(ctx, upd, statusName(InFlight), now.Add(lockDuration), string(owner), operationName, idempotencyKey); err != nil {
			return err
		}

		outcome = Ready
		rec = row.toRecord()
		rec.Status = InFlight
		rec.AttemptCount++
		rec.LockedUntil = now.Add(lockDuration)
		rec.LockedBy = owner
		return nil
	})
	if err != nil {
		return Ready, nil, err
	}
	return outcome, rec, nil
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, operationName, idempotencyKey, externalRefID, externalStatus string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET status = ?, external_ref_id = ?, external_status = ?
		WHERE operation_name = ? AND idempotency_key = ?`)
	_, err := s.db.ExecContext(ctx, q, statusName(Succeeded), nullableString(externalRefID), nullableString(externalStatus), operationName, idempotencyKey)
	return transientIfUnclassified(err)
}

func (s *SQLStore) MarkFailed(ctx context.Context, operationName, idempotencyKey, lastError string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET status = ?, last_error = ? WHERE operation_name = ? AND idempotency_key = ?`)
	_, err := s.db.ExecContext(ctx, q, statusName(Failed), nullableString(lastError), operationName, idempotencyKey)
	return transientIfUnclassified(err)
}

func (s *SQLStore) MarkPendingRetry(ctx context.Context, operationName, idempotencyKey, lastError string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+
		` SET status = ?, last_error = ?, locked_by = NULL, locked_until = NULL
		  WHERE operation_name = ? AND idempotency_key = ?`)
	_, err := s.db.ExecContext(ctx, q, statusName(Pending), nullableString(lastError), operationName, idempotencyKey)
	return transientIfUnclassified(err)
}

func (s *SQLStore) Get(ctx context.Context, operationName, idempotencyKey string) (*Record, error) {
	var row sideEffectRow
	q := dbx.Rebind(s.db, `SELECT `+selectCols+` FROM `+s.table()+` WHERE operation_name = ? AND idempotency_key = ?`)
	err := s.db.GetContext(ctx, &row, q, operationName, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return row.toRecord(), nil
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func transientIfUnclassified(err error) error {
	if err == nil {
		return nil
	}
	return transientIO(err)
}
