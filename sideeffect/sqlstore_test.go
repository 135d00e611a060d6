package sideeffect_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/sideeffect"
)

var sqlErrNoRows = sql.ErrNoRows

func newMockSideEffectStore(t *testing.T) (*sideeffect.SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sx := sqlx.NewDb(db, "postgres")
	schema := dbx.NewSchema("", nil)
	store := sideeffect.NewSQLStore(sx, schema, platformtime.WallClock)
	return store, mock, func() { _ = db.Close() }
}

func TestSQLStoreLoadOrCreateInsertsOnFirstSight(t *testing.T) {
	store, mock, cleanup := newMockSideEffectStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "external_side_effects" WHERE operation_name = \$1 AND idempotency_key = \$2 FOR UPDATE`).
		WithArgs("charge", "order-1").
		WillReturnError(sqlErrNoRows)
	mock.ExpectExec(`INSERT INTO "external_side_effects"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := store.LoadOrCreate(context.Background(), "charge", "order-1", "corr-1", "msg-1", "hash-1")
	require.NoError(t, err)
	require.Equal(t, sideeffect.Pending, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoadOrCreateReturnsExistingRow(t *testing.T) {
	store, mock, cleanup := newMockSideEffectStore(t)
	defer cleanup()

	cols := []string{"operation_name", "idempotency_key", "status", "attempt_count", "locked_until", "locked_by",
		"external_ref_id", "external_status", "last_error", "last_checked_at", "correlation_id", "outbox_message_id", "payload_hash"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "external_side_effects" WHERE operation_name = \$1 AND idempotency_key = \$2 FOR UPDATE`).
		WithArgs("charge", "order-2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("charge", "order-2", "Succeeded", 1, nil, nil, "ref-2", "ok", nil, nil, nil, nil, nil))
	mock.ExpectCommit()

	rec, err := store.LoadOrCreate(context.Background(), "charge", "order-2", "", "", "")
	require.NoError(t, err)
	require.Equal(t, sideeffect.Succeeded, rec.Status)
	require.Equal(t, "ref-2", rec.ExternalRefID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreTryBeginAttemptRejectsUnknownRecord(t *testing.T) {
	store, mock, cleanup := newMockSideEffectStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "external_side_effects" WHERE operation_name = \$1 AND idempotency_key = \$2 FOR UPDATE`).
		WithArgs("charge", "ghost").
		WillReturnError(sqlErrNoRows)
	mock.ExpectRollback()

	_, _, err := store.TryBeginAttempt(context.Background(), "charge", "ghost", ownertoken.Generate(), time.Minute)
	require.Error(t, err)
}

func TestSQLStoreMarkSucceeded(t *testing.T) {
	store, mock, cleanup := newMockSideEffectStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE "external_side_effects" SET status = \$1, external_ref_id = \$2, external_status = \$3`).
		WithArgs("Succeeded", "ref-9", "ok", "charge", "order-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkSucceeded(context.Background(), "charge", "order-9", "ref-9", "ok")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetReturnsNilWhenMissing(t *testing.T) {
	store, mock, cleanup := newMockSideEffectStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .* FROM "external_side_effects" WHERE operation_name = \$1 AND idempotency_key = \$2`).
		WithArgs("charge", "missing").
		WillReturnError(sqlErrNoRows)

	rec, err := store.Get(context.Background(), "charge", "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
}
