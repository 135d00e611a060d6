package dispatcher

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/outbox"
)

// outboxAdapter drives outbox.Store through the Dispatcher's generic
// Adapter[*outbox.Message] contract.
type outboxAdapter struct {
	store              outbox.Store
	claimLeaseDuration time.Duration
}

// NewOutboxAdapter adapts store for use by a Dispatcher[*outbox.Message].
// claimLeaseDuration bounds how long one claimed message's lock lasts,
// distinct from the dispatcher's own run lease.
func NewOutboxAdapter(store outbox.Store, claimLeaseDuration time.Duration) Adapter[*outbox.Message] {
	return &outboxAdapter{store: store, claimLeaseDuration: claimLeaseDuration}
}

func (a *outboxAdapter) ClaimDue(ctx context.Context, l *lease.Lease, batchSize int) ([]*outbox.Message, error) {
	return a.store.ClaimDue(ctx, batchSize, a.claimLeaseDuration, l.OwnerToken)
}

func (a *outboxAdapter) ItemID(item *outbox.Message) string    { return item.ID }
func (a *outboxAdapter) ItemTopic(item *outbox.Message) string { return item.Topic }

func (a *outboxAdapter) Settle(ctx context.Context, l *lease.Lease, item *outbox.Message, result HandlerResult) error {
	switch result.Outcome {
	case Success:
		return a.store.MarkDispatched(ctx, l.OwnerToken, item.ID)
	case Permanent:
		return a.store.Fail(ctx, l.OwnerToken, item.ID, result.LastError)
	default:
		return a.store.Reschedule(ctx, l.OwnerToken, item.ID, result.RetryDelay, result.LastError)
	}
}

func (a *outboxAdapter) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	return a.store.ReapExpired(ctx, batchSize)
}
