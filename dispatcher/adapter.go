// Package dispatcher implements the polling dispatch loop shared by
// Outbox, Inbox, and Scheduler consumers (spec §4.6, §5): acquire a
// System Lease, poll the primitive's ClaimDue-shaped operation while the
// lease holds, fan claimed items out to a handler with bounded
// concurrency, and settle each one back to the store depending on what
// the handler reported.
//
// The three primitives are polymorphic over {Claim, settle-on-success,
// settle-on-retry, Reap} (spec §9 design note) but their concrete store
// methods don't share one signature — ClaimDueTimers takes a *lease.Lease
// where outbox.Store.ClaimDue takes an owner token and lease duration,
// and scheduler has no per-item Fail at all. Adapter normalizes each
// primitive's store into one shared shape so Dispatcher itself never
// needs to know which primitive it is driving.
package dispatcher

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/lease"
)

// Outcome is what a Handler reports about one claimed item.
type Outcome int

const (
	// Success acknowledges the item; it will not be redelivered.
	Success Outcome = iota
	// Retry returns the item for another attempt after RetryDelay.
	Retry
	// Permanent moves the item to its terminal failure state; it will
	// not be redelivered.
	Permanent
)

// HandlerResult is a Handler's verdict on one claimed item.
type HandlerResult struct {
	Outcome    Outcome
	RetryDelay time.Duration
	LastError  string
}

// Handler processes one claimed item of type T.
type Handler[T any] func(ctx context.Context, item T) HandlerResult

// Adapter binds Dispatcher to one primitive's concrete store. l is the
// dispatcher's currently-held System Lease, supplied on every call so
// scheduler adapters can pass it straight through to ClaimDueTimers/
// ClaimDueJobRuns for fencing, while outbox/inbox adapters only need its
// OwnerToken.
type Adapter[T any] interface {
	// ClaimDue claims up to batchSize due items under l.
	ClaimDue(ctx context.Context, l *lease.Lease, batchSize int) ([]T, error)
	// ItemID returns the claimed item's identifier, used for logging and
	// to call Settle/Reap against the right row.
	ItemID(item T) string
	// ItemTopic returns the claimed item's topic, used to route it to a
	// registered Handler.
	ItemTopic(item T) string
	// Settle applies result to the item claimed under l.
	Settle(ctx context.Context, l *lease.Lease, item T, result HandlerResult) error
	// ReapExpired reclaims items whose claim lock has expired without
	// being settled, returning them to their claimable state.
	ReapExpired(ctx context.Context, batchSize int) (int, error)
}
