package dispatcher

import (
	"context"
	"time"

	"github.com/incursa/platform-sub008/inbox"
	"github.com/incursa/platform-sub008/lease"
)

// inboxAdapter drives inbox.Store through the Dispatcher's generic
// Adapter[*inbox.Record] contract.
type inboxAdapter struct {
	store              inbox.Store
	claimLeaseDuration time.Duration
}

// NewInboxAdapter adapts store for use by a Dispatcher[*inbox.Record].
func NewInboxAdapter(store inbox.Store, claimLeaseDuration time.Duration) Adapter[*inbox.Record] {
	return &inboxAdapter{store: store, claimLeaseDuration: claimLeaseDuration}
}

func (a *inboxAdapter) ClaimDue(ctx context.Context, l *lease.Lease, batchSize int) ([]*inbox.Record, error) {
	return a.store.ClaimDue(ctx, batchSize, a.claimLeaseDuration, l.OwnerToken)
}

func (a *inboxAdapter) ItemID(item *inbox.Record) string    { return item.MessageID }
func (a *inboxAdapter) ItemTopic(item *inbox.Record) string { return item.Topic }

// Settle maps a permanent failure to Fail and anything else to Ack/
// Abandon. inbox.Store.Fail has no last-error parameter (inbox.Record
// carries no LastError field), so that detail is dropped on the floor
// here, same as the store contract itself drops it.
func (a *inboxAdapter) Settle(ctx context.Context, l *lease.Lease, item *inbox.Record, result HandlerResult) error {
	switch result.Outcome {
	case Success:
		return a.store.Ack(ctx, l.OwnerToken, item.MessageID)
	case Permanent:
		return a.store.Fail(ctx, l.OwnerToken, item.MessageID)
	default:
		return a.store.Abandon(ctx, l.OwnerToken, item.MessageID, result.RetryDelay)
	}
}

func (a *inboxAdapter) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	return a.store.ReapExpired(ctx, batchSize)
}
