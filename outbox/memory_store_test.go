package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/platformtime"
)

// TestHappyPath exercises S1 from spec §8: enqueue, claim, ack, and a
// later claim by a different owner returns nothing.
func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore(platformtime.WallClock)

	id, err := store.Enqueue(ctx, "t", []byte("p"), "", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, 10, 30*time.Second, "A")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	require.NoError(t, store.MarkDispatched(ctx, "A", id))

	again, err := store.ClaimDue(ctx, 10, 30*time.Second, "B")
	require.NoError(t, err)
	assert.Empty(t, again)
}

// TestReap exercises S2: a crashed owner's lease expires and ReapExpired
// returns the row to Ready so another worker can claim it.
func TestReap(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(base)
	store := outbox.NewMemoryStore(platformtime.New(clk))

	id, err := store.Enqueue(ctx, "t", []byte("p"), "", nil)
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, 1, time.Second, "A")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(2 * time.Second)

	n, err := store.ReapExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := store.ClaimDue(ctx, 1, 30*time.Second, "B")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
}

// TestJoinFanIn exercises S3: two acks and one fail against a join with
// Expected=3 leaves CompletedSteps=2, FailedSteps=1.
func TestJoinFanIn(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore(platformtime.WallClock)

	joinID, err := store.CreateJoin(ctx, "tenant", 3, "", "")
	require.NoError(t, err)

	ids := make([]string, 3)
	for i := range ids {
		id, err := store.Enqueue(ctx, "t", nil, "", nil)
		require.NoError(t, err)
		require.NoError(t, store.Attach(ctx, joinID, id))
		ids[i] = id
	}

	claimed, err := store.ClaimDue(ctx, 10, time.Minute, "A")
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, store.MarkDispatched(ctx, "A", ids[0]))
	require.NoError(t, store.MarkDispatched(ctx, "A", ids[1]))
	require.NoError(t, store.Fail(ctx, "A", ids[2], "boom"))

	j, err := store.GetJoin(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 2, j.Completed)
	assert.Equal(t, 1, j.Failed)
	assert.Equal(t, outbox.JoinPending, j.Status)

	finalized, err := store.FinalizeJoin(ctx, joinID, outbox.JoinFailed)
	require.NoError(t, err)
	assert.True(t, finalized)

	j, err = store.GetJoin(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, outbox.JoinFailed, j.Status)
}

func TestRescheduleDoesNotCreditJoin(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore(platformtime.WallClock)

	joinID, err := store.CreateJoin(ctx, "tenant", 1, "", "")
	require.NoError(t, err)
	id, err := store.Enqueue(ctx, "t", nil, "", nil)
	require.NoError(t, err)
	require.NoError(t, store.Attach(ctx, joinID, id))

	claimed, err := store.ClaimDue(ctx, 1, time.Minute, "A")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Reschedule(ctx, "A", id, time.Second, "transient"))

	j, err := store.GetJoin(ctx, joinID)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Completed)
	assert.Equal(t, 0, j.Failed)
}

func TestNonOwnerMutationsAreNoop(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore(platformtime.WallClock)

	id, err := store.Enqueue(ctx, "t", nil, "", nil)
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, 1, time.Minute, "A")
	require.NoError(t, err)

	require.NoError(t, store.MarkDispatched(ctx, "not-the-owner", id))
	require.NoError(t, store.Fail(ctx, "not-the-owner", id, "nope"))

	// Still claimable by the real owner's ack; fail did nothing either.
	require.NoError(t, store.MarkDispatched(ctx, "A", id))
}

func TestClaimDueRejectsNonPositiveBatchSize(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemoryStore(platformtime.WallClock)
	_, err := store.ClaimDue(ctx, 0, time.Second, "")
	assert.Error(t, err)
}
