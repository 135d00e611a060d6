package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

// SQLStore is the Postgres-backed implementation of Store (spec §4.2,
// §4.2.1). Join counters are incremented inside the same transaction that
// sets a message row to Acknowledged/Failed, grounded on the design note
// that "a rewrite MUST NOT split these into two round-trips".
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

func (s *SQLStore) messagesTable() string { return s.schema.Table("outbox") }
func (s *SQLStore) joinsTable() string    { return s.schema.Table("outbox_join") }
func (s *SQLStore) membersTable() string  { return s.schema.Table("outbox_join_member") }

func statusName(st Status) string { return st.String() }

func parseStatus(name string) Status {
	switch name {
	case "InProgress":
		return InProgress
	case "Failed":
		return Failed
	case "Acknowledged":
		return Acknowledged
	default:
		return Ready
	}
}

func joinStatusName(st JoinStatus) string { return st.String() }

func parseJoinStatus(name string) JoinStatus {
	switch name {
	case "Completed":
		return JoinCompleted
	case "Failed":
		return JoinFailed
	case "Cancelled":
		return JoinCancelled
	default:
		return JoinPending
	}
}

type messageRow struct {
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Payload       []byte         `db:"payload"`
	CorrelationID sql.NullString `db:"correlation_id"`
	DueTime       time.Time      `db:"due_time"`
	RetryCount    int            `db:"retry_count"`
	LastError     sql.NullString `db:"last_error"`
	OwnerToken    sql.NullString `db:"owner_token"`
	LockedUntil   sql.NullTime   `db:"locked_until"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r messageRow) toMessage() *Message {
	return &Message{
		ID:            r.ID,
		Topic:         r.Topic,
		Payload:       r.Payload,
		CorrelationID: r.CorrelationID.String,
		DueTime:       r.DueTime,
		RetryCount:    r.RetryCount,
		LastError:     r.LastError.String,
		OwnerToken:    ownertoken.Token(r.OwnerToken.String),
		LockedUntil:   r.LockedUntil.Time,
		Status:        parseStatus(r.Status),
	}
}

func (s *SQLStore) Enqueue(ctx context.Context, topic string, payload []byte, correlationID string, dueTime *time.Time) (string, error) {
	if topic == "" {
		return "", invalidArgument("topic must not be empty")
	}

	now := s.clock.Now()
	due := now
	if dueTime != nil {
		due = *dueTime
	}
	id := uuid.NewString()

	q := dbx.Rebind(s.db, `INSERT INTO `+s.messagesTable()+
		` (id, topic, payload, correlation_id, due_time, retry_count, status, created_at)
		  VALUES (?, ?, ?, ?, ?, 0, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, id, topic, payload, nullableString(correlationID), due, statusName(Ready), now)
	if err != nil {
		return "", transientIfUnclassified(err)
	}
	return id, nil
}

func (s *SQLStore) ClaimDue(ctx context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Message, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}
	if owner.Empty() {
		owner = ownertoken.Generate()
	}

	var claimed []*Message
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		q := dbx.Rebind(s.db, `SELECT id, topic, payload, correlation_id, due_time, retry_count, last_error, owner_token, locked_until, status, created_at
			FROM `+s.messagesTable()+`
			WHERE status = ? AND due_time <= ?
			ORDER BY due_time ASC, created_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`)
		var rows []messageRow
		if err := tx.SelectContext(ctx, &rows, q, statusName(Ready), now, batchSize); err != nil {
			return err
		}

		upd := dbx.Rebind(s.db, `UPDATE `+s.messagesTable()+` SET status = ?, owner_token = ?, locked_until = ? WHERE id = ?`)
		for _, r := range rows {
			lockedUntil := now.Add(leaseDuration)
			if _, err := tx.ExecContext(ctx, upd, statusName(InProgress), string(owner), lockedUntil, r.ID); err != nil {
				return err
			}
			r.Status = statusName(InProgress)
			r.OwnerToken = sql.NullString{String: string(owner), Valid: true}
			r.LockedUntil = sql.NullTime{Time: lockedUntil, Valid: true}
			claimed = append(claimed, r.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return claimed, nil
}

func (s *SQLStore) MarkDispatched(ctx context.Context, owner ownertoken.Token, id string) error {
	return s.settle(ctx, owner, id, statusName(Acknowledged), "", true)
}

func (s *SQLStore) Fail(ctx context.Context, owner ownertoken.Token, id string, lastError string) error {
	return s.settle(ctx, owner, id, statusName(Failed), lastError, false)
}

// settle transitions id to terminalStatus iff owned by owner and currently
// InProgress, crediting every join id belongs to (Completed if acked,
// Failed otherwise) in the same transaction.
func (s *SQLStore) settle(ctx context.Context, owner ownertoken.Token, id, terminalStatus, lastError string, acked bool) error {
	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		q := dbx.Rebind(s.db, `UPDATE `+s.messagesTable()+
			` SET status = ?, owner_token = NULL, last_error = ?
			  WHERE id = ? AND owner_token = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, q, terminalStatus, nullableString(lastError), id, string(owner), statusName(InProgress))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // non-owner or already-settled: silent no-op
		}
		return s.creditJoinsTx(ctx, tx, id, acked)
	})
}

func (s *SQLStore) creditJoinsTx(ctx context.Context, tx *sqlx.Tx, messageID string, completed bool) error {
	column := "completed_steps"
	if !completed {
		column = "failed_steps"
	}

	sel := dbx.Rebind(s.db, `SELECT join_id FROM `+s.membersTable()+` WHERE outbox_message_id = ? AND counted = FALSE FOR UPDATE`)
	var joinIDs []string
	if err := tx.SelectContext(ctx, &joinIDs, sel, messageID); err != nil {
		return err
	}
	if len(joinIDs) == 0 {
		return nil
	}

	markCounted := dbx.Rebind(s.db, `UPDATE `+s.membersTable()+` SET counted = TRUE WHERE join_id = ? AND outbox_message_id = ?`)
	bump := dbx.Rebind(s.db, `UPDATE `+s.joinsTable()+` SET `+column+` = `+column+` + 1 WHERE id = ?`)
	for _, joinID := range joinIDs {
		if _, err := tx.ExecContext(ctx, markCounted, joinID, messageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, bump, joinID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Reschedule(ctx context.Context, owner ownertoken.Token, id string, delay time.Duration, lastError string) error {
	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		q := dbx.Rebind(s.db, `UPDATE `+s.messagesTable()+
			` SET status = ?, due_time = ?, retry_count = retry_count + 1, last_error = ?, owner_token = NULL, locked_until = NULL
			  WHERE id = ? AND owner_token = ? AND status = ?`)
		_, err := tx.ExecContext(ctx, q, statusName(Ready), now.Add(delay), nullableString(lastError), id, string(owner), statusName(InProgress))
		return err
	})
}

func (s *SQLStore) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}

	q := dbx.Rebind(s.db, `UPDATE `+s.messagesTable()+` SET status = ?, owner_token = NULL, locked_until = NULL
		WHERE id IN (
			SELECT id FROM `+s.messagesTable()+` WHERE status = ? AND locked_until < ? LIMIT ? FOR UPDATE SKIP LOCKED
		)`)
	res, err := s.db.ExecContext(ctx, q, statusName(Ready), statusName(InProgress), s.clock.Now(), batchSize)
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	return int(n), nil
}

func (s *SQLStore) CreateJoin(ctx context.Context, tenantID string, expected int, onCompleteMetadata, onFailMetadata string) (string, error) {
	if expected < 0 {
		return "", invalidArgument("expected must be non-negative")
	}
	id := uuid.NewString()
	q := dbx.Rebind(s.db, `INSERT INTO `+s.joinsTable()+
		` (id, tenant_id, expected_steps, completed_steps, failed_steps, status, on_complete_metadata, on_fail_metadata)
		  VALUES (?, ?, ?, 0, 0, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, id, tenantID, expected, joinStatusName(JoinPending), nullableString(onCompleteMetadata), nullableString(onFailMetadata))
	if err != nil {
		return "", transientIfUnclassified(err)
	}
	return id, nil
}

func (s *SQLStore) Attach(ctx context.Context, joinID, messageID string) error {
	q := dbx.Rebind(s.db, `INSERT INTO `+s.membersTable()+` (join_id, outbox_message_id, counted) VALUES (?, ?, FALSE)
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, q, joinID, messageID)
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

type joinRow struct {
	ID                 string         `db:"id"`
	TenantID           sql.NullString `db:"tenant_id"`
	ExpectedSteps      int            `db:"expected_steps"`
	CompletedSteps     int            `db:"completed_steps"`
	FailedSteps        int            `db:"failed_steps"`
	Status             string         `db:"status"`
	OnCompleteMetadata sql.NullString `db:"on_complete_metadata"`
	OnFailMetadata     sql.NullString `db:"on_fail_metadata"`
}

func (s *SQLStore) GetJoin(ctx context.Context, joinID string) (*Join, error) {
	var row joinRow
	q := dbx.Rebind(s.db, `SELECT id, tenant_id, expected_steps, completed_steps, failed_steps, status, on_complete_metadata, on_fail_metadata
		FROM `+s.joinsTable()+` WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, joinID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invalidArgument("unknown join " + joinID)
		}
		return nil, transientIfUnclassified(err)
	}
	return &Join{
		ID:                 row.ID,
		TenantID:           row.TenantID.String,
		Expected:           row.ExpectedSteps,
		Completed:          row.CompletedSteps,
		Failed:             row.FailedSteps,
		Status:             parseJoinStatus(row.Status),
		OnCompleteMetadata: row.OnCompleteMetadata.String,
		OnFailMetadata:     row.OnFailMetadata.String,
	}, nil
}

func (s *SQLStore) FinalizeJoin(ctx context.Context, joinID string, status JoinStatus) (bool, error) {
	finalized := false
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row joinRow
		q := dbx.Rebind(s.db, `SELECT id, tenant_id, expected_steps, completed_steps, failed_steps, status, on_complete_metadata, on_fail_metadata
			FROM `+s.joinsTable()+` WHERE id = ? FOR UPDATE`)
		if err := tx.GetContext(ctx, &row, q, joinID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return invalidArgument("unknown join " + joinID)
			}
			return err
		}
		if parseJoinStatus(row.Status) != JoinPending || row.CompletedSteps+row.FailedSteps != row.ExpectedSteps {
			return nil
		}
		upd := dbx.Rebind(s.db, `UPDATE `+s.joinsTable()+` SET status = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, upd, joinStatusName(status), joinID); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
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
