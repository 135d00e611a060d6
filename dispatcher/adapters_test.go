package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/dispatcher"
	"github.com/incursa/platform-sub008/inbox"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/scheduler"
)

func TestOutboxAdapterSettlesAllThreeOutcomes(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)
	adapter := dispatcher.NewOutboxAdapter(store, time.Minute)
	owner := ownertoken.Generate()
	l := &lease.Lease{OwnerToken: owner}

	id, err := store.Enqueue(context.Background(), "t", []byte("p"), "", nil)
	require.NoError(t, err)

	claimed, err := adapter.ClaimDue(context.Background(), l, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, adapter.ItemID(claimed[0]))

	require.NoError(t, adapter.Settle(context.Background(), l, claimed[0], dispatcher.HandlerResult{Outcome: dispatcher.Success}))
}

func TestInboxAdapterSettlesRetryAsAbandon(t *testing.T) {
	clk := platformtime.WallClock
	store := inbox.NewMemoryStore(clk)
	adapter := dispatcher.NewInboxAdapter(store, time.Minute)
	owner := ownertoken.Generate()
	l := &lease.Lease{OwnerToken: owner}

	require.NoError(t, store.Enqueue(context.Background(), "t", "src", "msg-1", []byte("p"), "h", nil))

	claimed, err := adapter.ClaimDue(context.Background(), l, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, adapter.Settle(context.Background(), l, claimed[0], dispatcher.HandlerResult{Outcome: dispatcher.Retry, RetryDelay: time.Second}))

	rec, err := store.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, inbox.Seen, rec.Status)
}

func TestTimerAdapterClaimAndAck(t *testing.T) {
	clk := platformtime.WallClock
	store := scheduler.NewMemoryStore(clk)
	adapter := dispatcher.NewTimerAdapter(store)

	_, err := store.ScheduleTimer(context.Background(), "t", []byte("p"), clk.Now().Add(-time.Second))
	require.NoError(t, err)

	l := &lease.Lease{OwnerToken: ownertoken.Generate(), ExpiresAt: clk.Now().Add(time.Minute)}
	claimed, err := adapter.ClaimDue(context.Background(), l, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, adapter.Settle(context.Background(), l, claimed[0], dispatcher.HandlerResult{Outcome: dispatcher.Success}))
}

func TestJoinWaitHandlerRetriesWhileIncomplete(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)

	joinID, err := store.CreateJoin(context.Background(), "tenant-a", 2, "", "")
	require.NoError(t, err)

	h := dispatcher.NewJoinWaitHandler(store)
	result := h(context.Background(), &outbox.Message{Payload: []byte(joinID)})
	require.Equal(t, dispatcher.Retry, result.Outcome)
}

func TestJoinWaitHandlerFinalizesAndEnqueuesFollowUp(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)

	joinID, err := store.CreateJoin(context.Background(), "tenant-a", 1, "follow.up", "follow.fail")
	require.NoError(t, err)

	memberID, err := store.Enqueue(context.Background(), "member", []byte("x"), "", nil)
	require.NoError(t, err)
	require.NoError(t, store.Attach(context.Background(), joinID, memberID))

	owner := ownertoken.Generate()
	claimed, err := store.ClaimDue(context.Background(), 10, time.Minute, owner)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkDispatched(context.Background(), owner, memberID))

	h := dispatcher.NewJoinWaitHandler(store)
	result := h(context.Background(), &outbox.Message{Payload: []byte(joinID)})
	require.Equal(t, dispatcher.Success, result.Outcome)

	join, err := store.GetJoin(context.Background(), joinID)
	require.NoError(t, err)
	require.Equal(t, outbox.JoinCompleted, join.Status)

	claimedFollowUps, err := store.ClaimDue(context.Background(), 10, time.Minute, ownertoken.Generate())
	require.NoError(t, err)
	require.Len(t, claimedFollowUps, 1)
	require.Equal(t, "follow.up", claimedFollowUps[0].Topic)
}

// TestJoinWaitHandlerFinalizesFailedEnqueuesOnFailFollowUp exercises spec
// §8 scenario S3: a join.wait with a failed member finalizes to Failed and
// enqueues the onFail follow-up topic, never the onComplete one.
func TestJoinWaitHandlerFinalizesFailedEnqueuesOnFailFollowUp(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)

	joinID, err := store.CreateJoin(context.Background(), "tenant-a", 1, "follow.up", "follow.fail")
	require.NoError(t, err)

	memberID, err := store.Enqueue(context.Background(), "member", []byte("x"), "", nil)
	require.NoError(t, err)
	require.NoError(t, store.Attach(context.Background(), joinID, memberID))

	owner := ownertoken.Generate()
	claimed, err := store.ClaimDue(context.Background(), 10, time.Minute, owner)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.Fail(context.Background(), owner, memberID, "boom"))

	h := dispatcher.NewJoinWaitHandler(store)
	result := h(context.Background(), &outbox.Message{Payload: []byte(joinID)})
	require.Equal(t, dispatcher.Success, result.Outcome)

	join, err := store.GetJoin(context.Background(), joinID)
	require.NoError(t, err)
	require.Equal(t, outbox.JoinFailed, join.Status)

	claimedFollowUps, err := store.ClaimDue(context.Background(), 10, time.Minute, ownertoken.Generate())
	require.NoError(t, err)
	require.Len(t, claimedFollowUps, 1)
	require.Equal(t, "follow.fail", claimedFollowUps[0].Topic)
}
