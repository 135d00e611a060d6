// Package inbox implements the at-most-once intake primitive (spec §4.3):
// idempotent message deduplication keyed by (MessageId, Source), plus a
// claim/ack/abandon/fail queue contract mirroring the outbox for transports
// that want to process inbox rows through a dispatcher.
package inbox

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
)

// Status is the lifecycle state of an inbox Record.
type Status int

const (
	Seen Status = iota
	Processing
	Done
	Dead
)

func (s Status) String() string {
	switch s {
	case Seen:
		return "Seen"
	case Processing:
		return "Processing"
	case Done:
		return "Done"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Record is a single inbox row (spec §3 "Inbox record"). (MessageID,
// Source) is unique; ProcessedUtc is non-nil iff Status=Done.
type Record struct {
	MessageID   string
	Source      string
	Topic       string
	Payload     []byte
	Hash        string
	FirstSeen   time.Time
	LastSeen    time.Time
	ProcessedAt *time.Time
	Attempts    int
	Status      Status
	OwnerToken  ownertoken.Token
	LockedUntil time.Time
	DueTime     *time.Time
}

// Store is the Inbox contract (spec §4.3). Implementations: SQLStore
// (Postgres) and MemoryStore (in-process reference).
type Store interface {
	// AlreadyProcessed atomically upserts the (messageID, source) row:
	// inserts a new Seen row on first sight, otherwise bumps LastSeen and
	// Attempts. Returns true iff the row's ProcessedAt is already set.
	AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error)

	// MarkProcessing transitions id from Seen to Processing.
	MarkProcessing(ctx context.Context, messageID string) error
	// MarkProcessed transitions id to Done, setting ProcessedAt.
	MarkProcessed(ctx context.Context, messageID string) error
	// MarkDead transitions id to the terminal Dead state.
	MarkDead(ctx context.Context, messageID string) error
	// Revive moves a Dead row back to Seen.
	Revive(ctx context.Context, messageID string) error

	// Enqueue upsert-inserts a row carrying a payload, for transports
	// that deliver the body through the inbox rather than out of band.
	Enqueue(ctx context.Context, topic, source, messageID string, payload []byte, hash string, dueTime *time.Time) error

	// ClaimDue mirrors outbox.Store.ClaimDue: up to batchSize Seen rows
	// with DueTime <= now, transitioned to Processing under owner.
	ClaimDue(ctx context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Record, error)
	// Ack mirrors outbox.Store.MarkDispatched: transitions to Done iff
	// owner currently holds the row. Non-owner calls are a no-op.
	Ack(ctx context.Context, owner ownertoken.Token, messageID string) error
	// Abandon mirrors outbox.Store.Reschedule: returns the row to Seen
	// with DueTime=now+delay, bumping Attempts.
	Abandon(ctx context.Context, owner ownertoken.Token, messageID string, delay time.Duration) error
	// Fail mirrors outbox.Store.Fail: transitions to the terminal Dead
	// state.
	Fail(ctx context.Context, owner ownertoken.Token, messageID string) error
	// ReapExpired mirrors outbox.Store.ReapExpired.
	ReapExpired(ctx context.Context, batchSize int) (int, error)

	// Get returns the current record for messageID, or (nil, nil) if
	// none exists.
	Get(ctx context.Context, messageID string) (*Record, error)
}
