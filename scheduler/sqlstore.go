package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/incursa/platform-sub008/internal/dbx"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/scheduler/cronx"
)

// SQLStore is the Postgres-backed implementation of Store (spec §4.4),
// persisting timers, jobs, job runs, and the currently active fencing
// token in a single-row scheduler_state table.
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

func (s *SQLStore) timersTable() string { return s.schema.Table("timers") }
func (s *SQLStore) jobsTable() string   { return s.schema.Table("jobs") }
func (s *SQLStore) runsTable() string   { return s.schema.Table("job_runs") }
func (s *SQLStore) stateTable() string  { return s.schema.Table("scheduler_state") }

func runStatusName(st RunStatus) string { return st.String() }

func (s *SQLStore) ScheduleTimer(ctx context.Context, topic string, payload []byte, dueTime time.Time) (string, error) {
	if topic == "" {
		return "", invalidArgument("topic must not be empty")
	}
	id := uuid.NewString()
	q := dbx.Rebind(s.db, `INSERT INTO `+s.timersTable()+` (id, topic, payload, due_time, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, id, topic, payload, dueTime, runStatusName(Pending), s.clock.Now())
	if err != nil {
		return "", transientIfUnclassified(err)
	}
	return id, nil
}

func (s *SQLStore) CancelTimer(ctx context.Context, id string) error {
	q := dbx.Rebind(s.db, `DELETE FROM `+s.timersTable()+` WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, id)
	return transientIfUnclassified(err)
}

func (s *SQLStore) CreateOrUpdateJob(ctx context.Context, name, topic, cronSchedule string, payload []byte) error {
	if name == "" {
		return invalidArgument("name must not be empty")
	}
	if err := cronx.Validate(cronSchedule); err != nil {
		return invalidArgument("invalid cron schedule: " + err.Error())
	}

	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var existingID string
		q := dbx.Rebind(s.db, `SELECT id FROM `+s.jobsTable()+` WHERE name = ? FOR UPDATE`)
		err := tx.GetContext(ctx, &existingID, q, name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			next, cerr := cronx.Next(cronSchedule, s.clock.Now())
			if cerr != nil {
				return invalidArgument("invalid cron schedule: " + cerr.Error())
			}
			ins := dbx.Rebind(s.db, `INSERT INTO `+s.jobsTable()+
				` (id, name, topic, payload, cron_schedule, next_due_time) VALUES (?, ?, ?, ?, ?, ?)`)
			_, err := tx.ExecContext(ctx, ins, uuid.NewString(), name, topic, payload, cronSchedule, next)
			return err
		case err != nil:
			return err
		}

		upd := dbx.Rebind(s.db, `UPDATE `+s.jobsTable()+` SET topic = ?, payload = ?, cron_schedule = ? WHERE id = ?`)
		_, err = tx.ExecContext(ctx, upd, topic, payload, cronSchedule, existingID)
		return err
	})
}

func (s *SQLStore) DeleteJob(ctx context.Context, name string) error {
	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var id string
		q := dbx.Rebind(s.db, `SELECT id FROM `+s.jobsTable()+` WHERE name = ? FOR UPDATE`)
		if err := tx.GetContext(ctx, &id, q, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		delRuns := dbx.Rebind(s.db, `DELETE FROM `+s.runsTable()+` WHERE job_id = ? AND status = ?`)
		if _, err := tx.ExecContext(ctx, delRuns, id, runStatusName(Pending)); err != nil {
			return err
		}
		delJob := dbx.Rebind(s.db, `DELETE FROM `+s.jobsTable()+` WHERE id = ?`)
		_, err := tx.ExecContext(ctx, delJob, id)
		return err
	})
}

func (s *SQLStore) TriggerJob(ctx context.Context, name string) (string, error) {
	var runID string
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		var jobID string
		q := dbx.Rebind(s.db, `SELECT id FROM `+s.jobsTable()+` WHERE name = ?`)
		if err := tx.GetContext(ctx, &jobID, q, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return invalidArgument("unknown job " + name)
			}
			return err
		}
		runID = uuid.NewString()
		now := s.clock.Now()
		ins := dbx.Rebind(s.db, `INSERT INTO `+s.runsTable()+` (id, job_id, scheduled_time, status, created_at) VALUES (?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, ins, runID, jobID, now, runStatusName(Pending), now)
		return err
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *SQLStore) CreateJobRunsFromDueJobs(ctx context.Context, l *lease.Lease) (int, error) {
	n := 0
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := s.fencingGateTx(ctx, tx, l); err != nil {
			return err
		}
		now := s.clock.Now()

		type dueJob struct {
			ID           string `db:"id"`
			CronSchedule string `db:"cron_schedule"`
		}
		var due []dueJob
		q := dbx.Rebind(s.db, `SELECT id, cron_schedule FROM `+s.jobsTable()+` WHERE next_due_time <= ? FOR UPDATE`)
		if err := tx.SelectContext(ctx, &due, q, now); err != nil {
			return err
		}

		insRun := dbx.Rebind(s.db, `INSERT INTO `+s.runsTable()+` (id, job_id, scheduled_time, status, created_at) VALUES (?, ?, ?, ?, ?)`)
		updJob := dbx.Rebind(s.db, `UPDATE `+s.jobsTable()+` SET next_due_time = ? WHERE id = ?`)
		for _, j := range due {
			next, err := cronx.Next(j.CronSchedule, now)
			if err != nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, insRun, uuid.NewString(), j.ID, now, runStatusName(Pending), now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, updJob, next, j.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	return n, nil
}

func (s *SQLStore) fencingGateTx(ctx context.Context, tx *sqlx.Tx, l *lease.Lease) error {
	if l == nil {
		return invalidArgument("lease must not be nil")
	}
	if !l.ExpiresAt.After(s.clock.Now()) {
		return leaseLost("lease expired")
	}
	var persisted sql.NullInt64
	q := dbx.Rebind(s.db, `SELECT current_fencing_token FROM `+s.stateTable()+` LIMIT 1`)
	err := tx.GetContext(ctx, &persisted, q)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if persisted.Valid && persisted.Int64 != 0 && l.FencingToken < persisted.Int64 {
		return leaseLost("fencing token behind persisted scheduler state")
	}
	return nil
}

func (s *SQLStore) ClaimDueTimers(ctx context.Context, l *lease.Lease, batchSize int) ([]*Timer, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}

	var claimed []*Timer
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := s.fencingGateTx(ctx, tx, l); err != nil {
			return err
		}
		now := s.clock.Now()

		type timerRow struct {
			ID        string    `db:"id"`
			Topic     string    `db:"topic"`
			Payload   []byte    `db:"payload"`
			DueTime   time.Time `db:"due_time"`
			CreatedAt time.Time `db:"created_at"`
		}
		var rows []timerRow
		q := dbx.Rebind(s.db, `SELECT id, topic, payload, due_time, created_at FROM `+s.timersTable()+`
			WHERE status = ? AND due_time <= ?
			ORDER BY due_time ASC, created_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED`)
		if err := tx.SelectContext(ctx, &rows, q, runStatusName(Pending), now, batchSize); err != nil {
			return err
		}

		upd := dbx.Rebind(s.db, `UPDATE `+s.timersTable()+` SET status = ?, owner_token = ?, locked_until = ? WHERE id = ?`)
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, upd, runStatusName(Claimed), string(l.OwnerToken), l.ExpiresAt, r.ID); err != nil {
				return err
			}
			claimed = append(claimed, &Timer{
				ID: r.ID, Topic: r.Topic, Payload: r.Payload, DueTime: r.DueTime,
				Status: Claimed, OwnerToken: l.OwnerToken, LockedUntil: l.ExpiresAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return claimed, nil
}

func (s *SQLStore) ClaimDueJobRuns(ctx context.Context, l *lease.Lease, batchSize int) ([]*JobRun, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}

	var claimed []*JobRun
	err := dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := s.fencingGateTx(ctx, tx, l); err != nil {
			return err
		}
		now := s.clock.Now()

		type runRow struct {
			ID            string    `db:"id"`
			JobID         string    `db:"job_id"`
			Topic         string    `db:"topic"`
			Payload       []byte    `db:"payload"`
			ScheduledTime time.Time `db:"scheduled_time"`
			CreatedAt     time.Time `db:"created_at"`
		}
		var rows []runRow
		q := dbx.Rebind(s.db, `SELECT r.id AS id, r.job_id AS job_id, j.topic AS topic, j.payload AS payload, r.scheduled_time AS scheduled_time, r.created_at AS created_at
			FROM `+s.runsTable()+` r JOIN `+s.jobsTable()+` j ON j.id = r.job_id
			WHERE r.status = ? AND r.scheduled_time <= ?
			ORDER BY r.scheduled_time ASC, r.created_at ASC, r.id ASC
			LIMIT ?
			FOR UPDATE OF r SKIP LOCKED`)
		if err := tx.SelectContext(ctx, &rows, q, runStatusName(Pending), now, batchSize); err != nil {
			return err
		}

		upd := dbx.Rebind(s.db, `UPDATE `+s.runsTable()+` SET status = ?, owner_token = ?, locked_until = ? WHERE id = ?`)
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, upd, runStatusName(Claimed), string(l.OwnerToken), l.ExpiresAt, r.ID); err != nil {
				return err
			}
			claimed = append(claimed, &JobRun{
				ID: r.ID, JobID: r.JobID, Topic: r.Topic, Payload: r.Payload, ScheduledTime: r.ScheduledTime,
				Status: Claimed, OwnerToken: l.OwnerToken, LockedUntil: l.ExpiresAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, transientIfUnclassified(err)
	}
	return claimed, nil
}

func (s *SQLStore) AckTimer(ctx context.Context, owner ownertoken.Token, id string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.timersTable()+` SET status = ?, owner_token = NULL WHERE id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, runStatusName(Acknowledged), id, string(owner), runStatusName(Claimed))
	return transientIfUnclassified(err)
}

func (s *SQLStore) AbandonTimer(ctx context.Context, owner ownertoken.Token, id string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.timersTable()+` SET status = ?, owner_token = NULL, locked_until = NULL WHERE id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, runStatusName(Pending), id, string(owner), runStatusName(Claimed))
	return transientIfUnclassified(err)
}

func (s *SQLStore) AckJobRun(ctx context.Context, owner ownertoken.Token, id string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.runsTable()+` SET status = ?, owner_token = NULL WHERE id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, runStatusName(Acknowledged), id, string(owner), runStatusName(Claimed))
	return transientIfUnclassified(err)
}

func (s *SQLStore) AbandonJobRun(ctx context.Context, owner ownertoken.Token, id string) error {
	q := dbx.Rebind(s.db, `UPDATE `+s.runsTable()+` SET status = ?, owner_token = NULL, locked_until = NULL WHERE id = ? AND owner_token = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, q, runStatusName(Pending), id, string(owner), runStatusName(Claimed))
	return transientIfUnclassified(err)
}

func (s *SQLStore) ReapExpiredTimers(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}
	q := dbx.Rebind(s.db, `UPDATE `+s.timersTable()+` SET status = ?, owner_token = NULL, locked_until = NULL
		WHERE id IN (SELECT id FROM `+s.timersTable()+` WHERE status = ? AND locked_until < ? LIMIT ? FOR UPDATE SKIP LOCKED)`)
	res, err := s.db.ExecContext(ctx, q, runStatusName(Pending), runStatusName(Claimed), s.clock.Now(), batchSize)
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	n, err := res.RowsAffected()
	return int(n), transientIfUnclassified(err)
}

func (s *SQLStore) ReapExpiredJobRuns(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}
	q := dbx.Rebind(s.db, `UPDATE `+s.runsTable()+` SET status = ?, owner_token = NULL, locked_until = NULL
		WHERE id IN (SELECT id FROM `+s.runsTable()+` WHERE status = ? AND locked_until < ? LIMIT ? FOR UPDATE SKIP LOCKED)`)
	res, err := s.db.ExecContext(ctx, q, runStatusName(Pending), runStatusName(Claimed), s.clock.Now(), batchSize)
	if err != nil {
		return 0, transientIfUnclassified(err)
	}
	n, err := res.RowsAffected()
	return int(n), transientIfUnclassified(err)
}

func (s *SQLStore) GetNextEventTime(ctx context.Context) (*time.Time, error) {
	q := dbx.Rebind(s.db, `SELECT MIN(t) FROM (
		SELECT MIN(due_time) AS t FROM `+s.timersTable()+` WHERE status = ?
		UNION ALL
		SELECT MIN(scheduled_time) AS t FROM `+s.runsTable()+` WHERE status = ?
		UNION ALL
		SELECT MIN(next_due_time) AS t FROM `+s.jobsTable()+`
	) AS candidates`)
	var min sql.NullTime
	if err := s.db.GetContext(ctx, &min, q, runStatusName(Pending), runStatusName(Pending)); err != nil {
		return nil, transientIfUnclassified(err)
	}
	if !min.Valid {
		return nil, nil
	}
	t := min.Time
	return &t, nil
}

func (s *SQLStore) UpdateSchedulerState(ctx context.Context, fencingToken int64) error {
	return dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, dbx.Rebind(s.db, `UPDATE `+s.stateTable()+` SET current_fencing_token = ?`), fencingToken)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, err := tx.ExecContext(ctx, dbx.Rebind(s.db, `INSERT INTO `+s.stateTable()+` (current_fencing_token) VALUES (?)`), fencingToken)
			return err
		}
		return nil
	})
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
