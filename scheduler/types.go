// Package scheduler implements the Timer and Job primitives (spec §4.4):
// one-shot due-time firings and recurring cron-driven jobs, materialised
// into claimable runs and dispatched under a fencing-token-gated lease so
// a stale scheduler instance can never claim work out from under a newer
// one.
package scheduler

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/ownertoken"
)

// RunStatus is the lifecycle state shared by Timer and JobRun rows.
type RunStatus int

const (
	Pending RunStatus = iota
	Claimed
	Acknowledged
	Abandoned
)

func (s RunStatus) String() string {
	switch s {
	case Claimed:
		return "Claimed"
	case Acknowledged:
		return "Acknowledged"
	case Abandoned:
		return "Abandoned"
	default:
		return "Pending"
	}
}

// Timer is a one-shot, due-time firing (spec §3 "Timer").
type Timer struct {
	ID          string
	Topic       string
	Payload     []byte
	DueTime     time.Time
	Status      RunStatus
	OwnerToken  ownertoken.Token
	LockedUntil time.Time
}

// Job is a recurring, cron-scheduled definition (spec §3 "Job"). Name is
// unique per database; NextDueTime only ever advances forward.
type Job struct {
	ID           string
	Name         string
	Topic        string
	Payload      []byte
	CronSchedule string
	NextDueTime  time.Time
}

// JobRun materialises a single firing of a Job (spec §3 "Job run").
// Topic and Payload are copied from the owning Job at claim time (spec
// §4.4's ClaimDueJobRuns returns the tuple (id, jobId, topic, payload)),
// so a handler never needs a separate lookup to learn what to dispatch.
type JobRun struct {
	ID            string
	JobID         string
	Topic         string
	Payload       []byte
	ScheduledTime time.Time
	Status        RunStatus
	OwnerToken    ownertoken.Token
	LockedUntil   time.Time
}

// Store is the Scheduler contract (spec §4.4). ClaimDueTimers and
// ClaimDueJobRuns additionally require a live lease whose fencing token is
// not behind the store's persisted current token (spec §9 open question,
// resolved permissive-on-zero in DESIGN.md).
type Store interface {
	ScheduleTimer(ctx context.Context, topic string, payload []byte, dueTime time.Time) (string, error)
	CancelTimer(ctx context.Context, id string) error

	// CreateOrUpdateJob upserts by name. Updating a job changes the
	// topic/payload/cron used by subsequent runs without touching
	// already-materialised Pending runs.
	CreateOrUpdateJob(ctx context.Context, name, topic, cronSchedule string, payload []byte) error
	// DeleteJob removes the job and all of its Pending runs.
	DeleteJob(ctx context.Context, name string) error
	// TriggerJob immediately materialises one claimable run.
	TriggerJob(ctx context.Context, name string) (string, error)
	// CreateJobRunsFromDueJobs inserts a Pending run for every job whose
	// NextDueTime <= now and advances NextDueTime to the next cron
	// occurrence strictly after now. Returns the number of runs created.
	CreateJobRunsFromDueJobs(ctx context.Context, l *lease.Lease) (int, error)

	ClaimDueTimers(ctx context.Context, l *lease.Lease, batchSize int) ([]*Timer, error)
	// ClaimDueJobRuns additionally joins each run's owning Job to
	// populate Topic/Payload on the returned JobRun (spec §4.4).
	ClaimDueJobRuns(ctx context.Context, l *lease.Lease, batchSize int) ([]*JobRun, error)

	AckTimer(ctx context.Context, owner ownertoken.Token, id string) error
	AbandonTimer(ctx context.Context, owner ownertoken.Token, id string) error
	AckJobRun(ctx context.Context, owner ownertoken.Token, id string) error
	AbandonJobRun(ctx context.Context, owner ownertoken.Token, id string) error

	ReapExpiredTimers(ctx context.Context, batchSize int) (int, error)
	ReapExpiredJobRuns(ctx context.Context, batchSize int) (int, error)

	// GetNextEventTime returns the min of the earliest pending timer
	// due, earliest pending run due, and earliest job NextDueTime, or
	// nil if nothing is scheduled. Used to pace dispatcher polling.
	GetNextEventTime(ctx context.Context) (*time.Time, error)

	// UpdateSchedulerState persists fencingToken as the currently active
	// scheduler instance's token, gating subsequent claims.
	UpdateSchedulerState(ctx context.Context, fencingToken int64) error
}
