// Package outbox implements the transactional outbox and its fan-in join
// primitive (spec §4.2, §4.2.1): at-least-once dispatch of topic-addressed
// messages, claimed under a lease-like ownership token and reaped back to
// Ready when a worker crashes mid-flight.
package outbox

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
)

// Status is the lifecycle state of an outbox Message.
type Status int

const (
	Ready Status = iota
	InProgress
	Failed
	Acknowledged
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "Ready"
	case InProgress:
		return "InProgress"
	case Failed:
		return "Failed"
	case Acknowledged:
		return "Acknowledged"
	default:
		return "Unknown"
	}
}

// Message is a single outbox row (spec §3 "Outbox message").
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	CorrelationID string
	DueTime       time.Time
	RetryCount    int
	LastError     string
	OwnerToken    ownertoken.Token
	LockedUntil   time.Time
	Status        Status
}

// JoinStatus is the lifecycle state of a Join counter.
type JoinStatus int

const (
	JoinPending JoinStatus = iota
	JoinCompleted
	JoinFailed
	JoinCancelled
)

func (s JoinStatus) String() string {
	switch s {
	case JoinPending:
		return "Pending"
	case JoinCompleted:
		return "Completed"
	case JoinFailed:
		return "Failed"
	case JoinCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Join is a fan-in counter (spec §3 "Outbox join"): Completed+Failed never
// exceeds Expected, and Status leaves JoinPending only once it does.
// OnCompleteMetadata and OnFailMetadata carry the follow-up topic the
// join.wait dispatcher handler enqueues once FinalizeJoin succeeds,
// selected by which terminal status it finalized to.
type Join struct {
	ID                 string
	TenantID           string
	Expected           int
	Completed          int
	Failed             int
	Status             JoinStatus
	OnCompleteMetadata string
	OnFailMetadata     string
}

// Store is the Outbox contract (spec §4.2, §4.2.1). Implementations:
// SQLStore (Postgres) and MemoryStore (in-process reference).
type Store interface {
	// Enqueue inserts a Ready row. dueTime nil defaults to now.
	Enqueue(ctx context.Context, topic string, payload []byte, correlationID string, dueTime *time.Time) (string, error)

	// ClaimDue atomically selects up to batchSize Ready rows with
	// DueTime <= now, ordered by DueTime then insertion order, and marks
	// them InProgress under owner. batchSize <= 0 is InvalidArgument.
	ClaimDue(ctx context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Message, error)

	// MarkDispatched transitions id to Acknowledged iff owner currently
	// holds it, incrementing Completed on every join id is a member of in
	// the same atomic step. Non-owner calls are a silent no-op.
	MarkDispatched(ctx context.Context, owner ownertoken.Token, id string) error

	// Reschedule returns id to Ready with DueTime=now+delay, bumping
	// RetryCount and storing lastError. Joins are untouched: transient
	// failures must never move a Failed counter.
	Reschedule(ctx context.Context, owner ownertoken.Token, id string, delay time.Duration, lastError string) error

	// Fail transitions id to the terminal Failed state, incrementing
	// Failed on every join id is a member of in the same atomic step.
	Fail(ctx context.Context, owner ownertoken.Token, id string, lastError string) error

	// ReapExpired returns any InProgress row with LockedUntil < now to
	// Ready, with no owner check, up to batchSize rows, returning the
	// count reaped.
	ReapExpired(ctx context.Context, batchSize int) (int, error)

	// CreateJoin opens a new Pending join expecting the given number of
	// member completions. onCompleteMetadata and onFailMetadata are the
	// follow-up topics join.wait enqueues on finalizing to Completed or
	// Failed respectively; either may be empty to enqueue nothing.
	CreateJoin(ctx context.Context, tenantID string, expected int, onCompleteMetadata, onFailMetadata string) (string, error)

	// Attach records messageID as a member of joinID. Safe to call more
	// than once for the same pair; each member counts exactly once.
	Attach(ctx context.Context, joinID, messageID string) error

	// GetJoin returns the current counters and status for joinID. An
	// unknown joinID is reported as an InvalidArgument error.
	GetJoin(ctx context.Context, joinID string) (*Join, error)

	// FinalizeJoin transitions joinID out of Pending to status, but only
	// when Completed+Failed has reached Expected; otherwise it is a
	// no-op returning (false, nil). Used by the join.wait dispatcher
	// handler once it has evaluated the completion policy.
	FinalizeJoin(ctx context.Context, joinID string, status JoinStatus) (bool, error)
}
