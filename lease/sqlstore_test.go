package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/platformtime"
)

func newMockStore(t *testing.T) (*lease.SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sx := sqlx.NewDb(db, "postgres")
	schema := dbx.NewSchema("", nil)
	store := lease.NewSQLStore(sx, schema, platformtime.WallClock)
	return store, mock, func() { _ = db.Close() }
}

func TestSQLStoreAcquireInsertsWhenNoRow(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_token, fencing_token, expires_at FROM "system_leases" WHERE key = \$1 FOR UPDATE`).
		WithArgs("res").
		WillReturnRows(sqlmock.NewRows([]string{"owner_token", "fencing_token", "expires_at"}))
	mock.ExpectExec(`INSERT INTO "system_leases"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	l, err := store.Acquire(context.Background(), "res", "", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Equal(t, int64(1), l.FencingToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAcquireReturnsNilWhenHeldByOther(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	future := time.Now().Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_token, fencing_token, expires_at FROM "system_leases" WHERE key = \$1 FOR UPDATE`).
		WithArgs("res").
		WillReturnRows(sqlmock.NewRows([]string{"owner_token", "fencing_token", "expires_at"}).
			AddRow("other-owner", 3, future))
	mock.ExpectCommit()

	l, err := store.Acquire(context.Background(), "res", "me", 5*time.Second)
	require.NoError(t, err)
	require.Nil(t, l)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReleaseDeletesByOwner(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`DELETE FROM "system_leases" WHERE key = \$1 AND owner_token = \$2`).
		WithArgs("res", "me").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Release(context.Background(), &lease.Lease{Key: "res", OwnerToken: "me"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreThrowIfLostWhenRowMissing(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT owner_token, fencing_token, expires_at FROM "system_leases" WHERE key = \$1$`).
		WithArgs("res").
		WillReturnRows(sqlmock.NewRows([]string{"owner_token", "fencing_token", "expires_at"}))

	err := store.ThrowIfLost(context.Background(), &lease.Lease{Key: "res", OwnerToken: "me", FencingToken: 1})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
