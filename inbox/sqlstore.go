package inbox

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

// SQLStore is the Postgres-backed implementation of Store (spec §4.3).
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

func (s *SQLStore) table() string { return s.schema.Table("inbox") }

func recordStatusName(st Status) string { return st.String() }

func parseRecordStatus(name string) Status {
	switch name {
	case "Processing":
		return Processing
	case "Done":
		return Done
	case "Dead":
		return Dead
	default:
		return Seen
	}
}

type inboxRow struct {
	MessageID   string         `db:"message_id"`
	Source      string         `db:"source"`
	Topic       sql.NullString `db:"topic"`
	Payload     []byte         `db:"payload"`
	Hash        sql.NullString `db:"hash"`
	FirstSeen   time.Time      `db:"first_seen_utc"`
	LastSeen    time.Time      `db:"last_seen_utc"`
	ProcessedAt sql.NullTime   `db:"processed_utc"`
	Attempts    int            `db:"attempts"`
	Status      string         `db:"status"`
	OwnerToken  sql.NullString `db:"owner_token"`
	LockedUntil sql.NullTime   `db:"locked_until"`
	DueTime     sql.NullTime   `db:"due_time_utc"`
}

func (r inboxRow) toRecord() *Record {
	rec := &Record{
		MessageID:   r.MessageID,
		Source:      r.Source,
		Topic:       r.Topic.String,
		Payload:     r.Payload,
		Hash:        r.Hash.String,
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		Attempts:    r.Attempts,
		Status:      parseRecordStatus(r.Status),
		OwnerToken:  ownertoken.Token(r.OwnerToken.String),
		LockedUntil: r.LockedUntil.Time,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		rec.ProcessedAt = &t
	}
	if r.DueTime.Valid {
		t := r.DueTime.Time
		rec.DueTime = &t
	}
	return rec
}

func (s *SQLStore) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	if messageID == "" {
		return false, invalidArgument("messageId must not be empty")
	}
	if source == "" {
		return false, invalidArgument("source must not be empty")
	}

	processed := false
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var row inboxRow
		q := dbx.Rebind(s.db, `SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, processed_utc, attempts, status, owner_token, locked_until, due_time_utc
			FROM `+s.table()+` WHERE message_id = ? FOR UPDATE`)
		err := tx.GetContext(ctx, &row, q, messageID)
		now := s.clock.Now()

		switch {
		case errors.Is(err, sql.ErrNoRows):
			ins := dbx.Rebind(s.db, `INSERT INTO `+s.table()+
				` (message_id, source, hash, first_seen_utc, last_seen_utc, attempts, status)
				  VALUES (?, ?, ?, ?, ?, 1, ?)`)
			_, err := tx.ExecContext(ctx, ins, messageID, source, nullableString(hash), now, now, recordStatusName(Seen))
			return err
		case err != nil:
			return err
		}

		processed = row.ProcessedAt.Valid
		upd := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET last_seen_utc = ?, attempts = attempts + 1 WHERE message_id = ?`)
		_, err = tx.ExecContext(ctx, upd, now, messageID)
		return err
	})
	if err != nil {
		return false, transientIfUnclassified(err)
	}
	return processed, nil
}

func (s *SQLStore) MarkProcessing(ctx context.Context, messageID string) error {
	return s.setStatus(ctx, messageID, Processing, false)
}

func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.setStatus(ctx, messageID, Done, true)
}

func (s *SQLStore) MarkDead(ctx context.Context, messageID string) error {
	return s.setStatus(ctx, messageID, Dead, false)
}

func (s *SQLStore) Revive(ctx context.Context, messageID string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET status = ? WHERE message_id = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, recordStatusName(Seen), messageID, recordStatusName(Dead))
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func (s *SQLStore) setStatus(ctx context.Context, messageID string, status Status, setProcessed bool) error {
	var q string
	var args []interface{}
	if setProcessed {
		q = `UPDATE ` + s.table() + ` SET status = ?, processed_utc = ? WHERE message_id = ?`
		args = []interface{}{recordStatusName(status), s.clock.Now(), messageID}
	} else {
		q = `UPDATE ` + s.table() + ` SET status = ? WHERE message_id = ?`
		args = []interface{}{recordStatusName(status), messageID}
	}
	_, err := s.db.ExecContext(ctx, dbx.Rebind(s.db, q), args...)
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func (s *SQLStore) Enqueue(ctx context.Context, topic, source, messageID string, payload []byte, hash string, dueTime *time.Time) error {
	if messageID == "" {
		return invalidArgument("messageId must not be empty")
	}
	if source == "" {
		return invalidArgument("source must not be empty")
	}

	now := s.clock.Now()
	due := now
	if dueTime != nil {
		due = *dueTime
	}

	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var exists bool
		q := dbx.Rebind(s.db, `SELECT EXISTS(SELECT 1 FROM `+s.table()+` WHERE message_id = ?)`)
		if err := tx.GetContext(ctx, &exists, q, messageID); err != nil {
			return err
		}
		if exists {
			upd := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET topic = ?, payload = ?, last_seen_utc = ?, due_time_utc = ? WHERE message_id = ?`)
			_, err := tx.ExecContext(ctx, upd, topic, payload, now, due, messageID)
			return err
		}
		ins := dbx.Rebind(s.db, `INSERT INTO `+s.table()+
			` (message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, attempts, status, due_time_utc)
			  VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`)
		_, err := tx.ExecContext(ctx, ins, messageID, source, topic, payload, nullableString(hash), now, now, recordStatusName(Seen), due)
		return err
	})
}

func (s *SQLStore) ClaimDue(ctx context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Record, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}
	if owner.Empty() {
		owner = ownertoken.Generate()
	}

	var claimed []*Record
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		q := dbx.Rebind(s.db, `SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, processed_utc, attempts, status, owner_token, locked_until, due_time_utc
			FROM `+s.table()+`
			WHERE status = ? AND (due_time_utc IS NULL OR due_time_utc <= ?)
			ORDER BY first_seen_utc ASC, message_id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`)
		var rows []inboxRow
		if err := tx.SelectContext(ctx, &rows, q, recordStatusName(Seen), now, batchSize); err != nil {
			return err
		}

		upd := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET status = ?, owner_token = ?, locked_until = ? WHERE message_id = ?`)
		for _, r := range rows {
			lockedUntil := now.Add(leaseDuration)
			if _, err := tx.ExecContext(ctx, upd, recordStatusName(Processing), string(owner), lockedUntil, r.MessageID); err != nil {
				return err
			}
			r.Status = recordStatusName(Processing)
			r.OwnerToken = sql.NullString{String: string(owner), Valid: true}
			r.LockedUntil = sql.NullTime{Time: lockedUntil, Valid: true}
			claimed = append(claimed, r.toRecord())
		}
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return claimed, nil
}

func (s *SQLStore) Ack(ctx context.Context, owner ownertoken.Token, messageID string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+
		` SET status = ?, owner_token = NULL, processed_utc = ?
		  WHERE message_id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, recordStatusName(Done), s.clock.Now(), messageID, string(owner), recordStatusName(Processing))
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func (s *SQLStore) Abandon(ctx context.Context, owner ownertoken.Token, messageID string, delay time.Duration) error {
	now := s.clock.Now()
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+
		` SET status = ?, attempts = attempts + 1, due_time_utc = ?, owner_token = NULL, locked_until = NULL
		  WHERE message_id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, recordStatusName(Seen), now.Add(delay), messageID, string(owner), recordStatusName(Processing))
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func (s *SQLStore) Fail(ctx context.Context, owner ownertoken.Token, messageID string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+
		` SET status = ?, owner_token = NULL
		  WHERE message_id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, recordStatusName(Dead), messageID, string(owner), recordStatusName(Processing))
	if err != nil {
		return transientIfUnclassified(err)
	}
	return nil
}

func (s *SQLStore) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}
	q := dbx.Rebind(s.db, `UPDATE `+s.table()+` SET status = ?, owner_token = NULL, locked_until = NULL
		WHERE message_id IN (
			SELECT message_id FROM `+s.table()+` WHERE status = ? AND locked_until < ? LIMIT ? FOR UPDATE SKIP LOCKED
		)`)
	res, err := s.db.ExecContext(ctx, q, recordStatusName(Seen), recordStatusName(Processing), s.clock.Now(), batchSize)
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	return int(n), nil
}

func (s *SQLStore) Get(ctx context.Context, messageID string) (*Record, error) {
	var row inboxRow
	q := dbx.Rebind(s.db, `SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, processed_utc, attempts, status, owner_token, locked_until, due_time_utc
		FROM `+s.table()+` WHERE message_id = ?`)
	err := s.db.GetContext(ctx, &row, q, messageID)
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
	if errors.Is(err, dbx.ErrSerializationFailure) {
		return conflictRetry(err)
	}
	return transientIO(err)
}
