// Package sideeffect implements the External-Side-Effect Coordinator (spec
// §4.5): a five-step protocol protecting an external operation that cannot
// itself participate in the local database's transaction, keyed by
// (OperationName, IdempotencyKey).
package sideeffect

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
)

// Status is the lifecycle state of a side-effect Record.
type Status int

const (
	Pending Status = iota
	InFlight
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case InFlight:
		return "InFlight"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return "Pending"
	}
}

// Record is a single side-effect row (spec §3 "External side-effect
// record"). Once Succeeded or Failed it is terminal; counters only move
// forward.
type Record struct {
	OperationName   string
	IdempotencyKey  string
	Status          Status
	AttemptCount    int
	LockedUntil     time.Time
	LockedBy        ownertoken.Token
	ExternalRefID   string
	ExternalStatus  string
	LastError       string
	LastCheckedAt   time.Time
	CorrelationID   string
	OutboxMessageID string
	PayloadHash     string
}

// Outcome is both the TryBeginAttempt decision and Execute's overall
// result, reusing one enum for both per spec §4.5's numbered steps.
type Outcome int

const (
	// Ready is TryBeginAttempt's signal to proceed to step 5.
	Ready Outcome = iota
	// Locked means a different owner still holds the attempt lock.
	Locked
	// AlreadyCompleted means the record was already Succeeded.
	AlreadyCompleted
	// PermanentFailure means the record is terminally Failed, or
	// executeFn requested a permanent failure.
	PermanentFailure
	// Completed means executeFn (or a confirming checkFn) succeeded.
	Completed
	// RetryScheduled means the caller should retry later: checkFn
	// reported Unknown with policy RetryLater, or executeFn's result was
	// retryable (including any exception it raised).
	RetryScheduled
)

func (o Outcome) String() string {
	switch o {
	case Locked:
		return "Locked"
	case AlreadyCompleted:
		return "AlreadyCompleted"
	case PermanentFailure:
		return "PermanentFailure"
	case Completed:
		return "Completed"
	case RetryScheduled:
		return "RetryScheduled"
	default:
		return "Ready"
	}
}

// ExecuteOutcome is what an ExecuteFunc reports about the operation it ran.
type ExecuteOutcome int

const (
	ExecuteSucceeded ExecuteOutcome = iota
	ExecuteFailedPermanent
	ExecutePending
)

// ExecuteResult carries an ExecuteFunc's outcome plus the external
// reference metadata to persist alongside it.
type ExecuteResult struct {
	Outcome        ExecuteOutcome
	ExternalRefID  string
	ExternalStatus string
	LastError      string
}

// CheckFunc re-probes an external operation already believed to be in
// flight. Confirmed means the operation is known to have succeeded;
// retryLater (only meaningful when !confirmed) requests the coordinator
// come back later rather than attempting a fresh execution.
type CheckFunc func(ctx context.Context, rec *Record) (confirmed bool, retryLater bool, err error)

// ExecuteFunc performs the external operation itself. Any error it returns
// is treated the same as ExecutePending: retryable (spec §4.5 step 5,
// "Any exception is treated as retryable").
type ExecuteFunc func(ctx context.Context, rec *Record) (ExecuteResult, error)

// Store is the side-effect record contract. Implementations: SQLStore
// (Postgres) and MemoryStore (in-process reference).
type Store interface {
	// LoadOrCreate returns the existing record for the key, or creates a
	// fresh Pending one carrying the given metadata.
	LoadOrCreate(ctx context.Context, operationName, idempotencyKey, correlationID, outboxMessageID, payloadHash string) (*Record, error)

	// RecordCheck stamps LastCheckedAt, used to pace checkFn invocations
	// against MinimumCheckInterval.
	RecordCheck(ctx context.Context, operationName, idempotencyKey string, at time.Time) error

	// TryBeginAttempt is the transactional compare-and-set of step 4:
	// advances to InFlight, increments AttemptCount, sets
	// LockedUntil=now+lockDuration, stamps LockedBy.
	TryBeginAttempt(ctx context.Context, operationName, idempotencyKey string, lockedBy ownertoken.Token, lockDuration time.Duration) (Outcome, *Record, error)

	MarkSucceeded(ctx context.Context, operationName, idempotencyKey, externalRefID, externalStatus string) error
	MarkFailed(ctx context.Context, operationName, idempotencyKey, lastError string) error
	MarkPendingRetry(ctx context.Context, operationName, idempotencyKey, lastError string) error

	Get(ctx context.Context, operationName, idempotencyKey string) (*Record, error)
}
