package outbox_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/platformtime"
)

func newMockOutboxStore(t *testing.T) (*outbox.SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sx := sqlx.NewDb(db, "postgres")
	schema := dbx.NewSchema("", nil)
	store := outbox.NewSQLStore(sx, schema, platformtime.WallClock)
	return store, mock, func() { _ = db.Close() }
}

func TestSQLStoreEnqueueInserts(t *testing.T) {
	store, mock, cleanup := newMockOutboxStore(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO "outbox"`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.Enqueue(context.Background(), "t", []byte("p"), "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMarkDispatchedCreditsJoin(t *testing.T) {
	store, mock, cleanup := newMockOutboxStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "outbox" SET status = \$1, owner_token = NULL, last_error = \$2`).
		WithArgs("Acknowledged", sqlmockNull{}, "msg1", "A", "InProgress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT join_id FROM "outbox_join_member" WHERE outbox_message_id = \$1 AND counted = FALSE FOR UPDATE`).
		WithArgs("msg1").
		WillReturnRows(sqlmock.NewRows([]string{"join_id"}).AddRow("join1"))
	mock.ExpectExec(`UPDATE "outbox_join_member" SET counted = TRUE WHERE join_id = \$1 AND outbox_message_id = \$2`).
		WithArgs("join1", "msg1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "outbox_join" SET completed_steps = completed_steps \+ 1 WHERE id = \$1`).
		WithArgs("join1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.MarkDispatched(context.Background(), "A", "msg1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReapExpired(t *testing.T) {
	store, mock, cleanup := newMockOutboxStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE "outbox" SET status = \$1, owner_token = NULL, locked_until = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.ReapExpired(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

// sqlmockNull matches any argument value at its position, NULL or not; it
// stands in for the NULL sql.NullString last_error argument, since
// go-sqlmock otherwise compares driver values directly.
type sqlmockNull struct{}

func (sqlmockNull) Match(v driver.Value) bool {
	return true
}

var _ = time.Second
