package inbox_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/inbox"
	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/platformtime"
)

func newMockInboxStore(t *testing.T) (*inbox.SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sx := sqlx.NewDb(db, "postgres")
	store := inbox.NewSQLStore(sx, dbx.NewSchema("", nil), platformtime.WallClock)
	return store, mock, func() { _ = db.Close() }
}

func TestSQLStoreAlreadyProcessedInsertsOnFirstSight(t *testing.T) {
	store, mock, cleanup := newMockInboxStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, processed_utc, attempts, status, owner_token, locked_until, due_time_utc\s+FROM "inbox" WHERE message_id = \$1 FOR UPDATE`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "source", "topic", "payload", "hash", "first_seen_utc", "last_seen_utc", "processed_utc", "attempts", "status", "owner_token", "locked_until", "due_time_utc"}))
	mock.ExpectExec(`INSERT INTO "inbox"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	processed, err := store.AlreadyProcessed(context.Background(), "m1", "src", "")
	require.NoError(t, err)
	require.False(t, processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetReturnsNilWhenMissing(t *testing.T) {
	store, mock, cleanup := newMockInboxStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, processed_utc, attempts, status, owner_token, locked_until, due_time_utc\s+FROM "inbox" WHERE message_id = \$1$`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "source", "topic", "payload", "hash", "first_seen_utc", "last_seen_utc", "processed_utc", "attempts", "status", "owner_token", "locked_until", "due_time_utc"}))

	rec, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}
