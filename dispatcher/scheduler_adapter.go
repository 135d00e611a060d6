package dispatcher

import (
	"context"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/scheduler"
)

// timerAdapter drives scheduler.Store's Timer half through the
// Dispatcher's generic Adapter[*scheduler.Timer] contract. Unlike
// outbox/inbox, a claimed Timer's lock is tied to the dispatcher's own
// run lease (OwnerToken/ExpiresAt), not a separate per-claim duration,
// since the scheduler fencing gate already ties claims to one live
// lease instance.
type timerAdapter struct {
	store scheduler.Store
}

// NewTimerAdapter adapts store for use by a Dispatcher[*scheduler.Timer].
func NewTimerAdapter(store scheduler.Store) Adapter[*scheduler.Timer] {
	return &timerAdapter{store: store}
}

func (a *timerAdapter) ClaimDue(ctx context.Context, l *lease.Lease, batchSize int) ([]*scheduler.Timer, error) {
	return a.store.ClaimDueTimers(ctx, l, batchSize)
}

func (a *timerAdapter) ItemID(item *scheduler.Timer) string    { return item.ID }
func (a *timerAdapter) ItemTopic(item *scheduler.Timer) string { return item.Topic }

// Settle has no Permanent path: scheduler timers only support Ack or
// Abandon (spec §4.4 never defines a terminal Fail state for a Timer).
// A Permanent verdict is treated the same as Retry, abandoning the
// timer back to claimable; a misbehaving handler cannot wedge it dead.
func (a *timerAdapter) Settle(ctx context.Context, l *lease.Lease, item *scheduler.Timer, result HandlerResult) error {
	if result.Outcome == Success {
		return a.store.AckTimer(ctx, l.OwnerToken, item.ID)
	}
	return a.store.AbandonTimer(ctx, l.OwnerToken, item.ID)
}

func (a *timerAdapter) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	return a.store.ReapExpiredTimers(ctx, batchSize)
}

// jobRunAdapter is timerAdapter's counterpart for JobRun rows.
type jobRunAdapter struct {
	store scheduler.Store
}

// NewJobRunAdapter adapts store for use by a Dispatcher[*scheduler.JobRun].
func NewJobRunAdapter(store scheduler.Store) Adapter[*scheduler.JobRun] {
	return &jobRunAdapter{store: store}
}

func (a *jobRunAdapter) ClaimDue(ctx context.Context, l *lease.Lease, batchSize int) ([]*scheduler.JobRun, error) {
	return a.store.ClaimDueJobRuns(ctx, l, batchSize)
}

func (a *jobRunAdapter) ItemID(item *scheduler.JobRun) string { return item.ID }

// ItemTopic returns the owning Job's topic, joined into the JobRun by
// ClaimDueJobRuns, so scheduled jobs dispatch through the same
// topic-keyed handler registry as Timers and outbox messages.
func (a *jobRunAdapter) ItemTopic(item *scheduler.JobRun) string { return item.Topic }

func (a *jobRunAdapter) Settle(ctx context.Context, l *lease.Lease, item *scheduler.JobRun, result HandlerResult) error {
	if result.Outcome == Success {
		return a.store.AckJobRun(ctx, l.OwnerToken, item.ID)
	}
	return a.store.AbandonJobRun(ctx, l.OwnerToken, item.ID)
}

func (a *jobRunAdapter) ReapExpired(ctx context.Context, batchSize int) (int, error) {
	return a.store.ReapExpiredJobRuns(ctx, batchSize)
}
