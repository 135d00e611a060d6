// Package lease implements the System Lease primitive (spec §4.1): fenced,
// time-bounded exclusive ownership of a named resource, used by the
// outbox/inbox/scheduler dispatchers to coordinate across competing workers
// and across multiple customer databases.
//
// The package's shape is grounded on a DynamoDB lease-coordination package
// (Config.defaults(), a Logger/Backofface collaborator seam, a background
// renew loop driven by a ticker) generalized from "balance many leases
// across many workers" to "fence a single named resource", which is what
// the spec actually asks for.
package lease

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
)

// Lease represents fenced, time-bounded ownership of a named resource.
// FencingToken strictly increases for a given Key across every successful
// Acquire and TryRenewNow (spec invariant 4 in §8).
type Lease struct {
	Key          string
	OwnerToken   ownertoken.Token
	FencingToken int64
	ExpiresAt    time.Time
}

// isExpired reports whether the lease's expiry has passed as of now.
func (l Lease) isExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Store is the System Lease contract (spec §4.1). Implementations: a
// Postgres-backed store (sqlstore.go) and an in-memory store used by the
// conformance reference provider and by dispatcher/provider unit tests.
type Store interface {
	// Acquire returns a Lease for resource when either no row exists, the
	// existing row is expired, or the caller already owns it. Returns
	// (nil, nil) when a different owner holds an unexpired lease -- that is
	// not an error, just a failed attempt. If owner is empty a fresh owner
	// token is generated and returned on the Lease.
	Acquire(ctx context.Context, resource string, owner ownertoken.Token, duration time.Duration) (*Lease, error)

	// TryRenewNow atomically extends l's expiry to now+duration and
	// increments its fencing token. Succeeds iff the lease has not been
	// lost (expired, or overwritten by a different owner).
	TryRenewNow(ctx context.Context, l *Lease, duration time.Duration) (bool, error)

	// ThrowIfLost returns perr.LeaseLost if l has been lost since it was
	// last successfully acquired or renewed.
	ThrowIfLost(ctx context.Context, l *Lease) error

	// Release clears the row for l.Key so it may be reacquired
	// immediately. A non-owner Release is a silent no-op.
	Release(ctx context.Context, l *Lease) error
}
