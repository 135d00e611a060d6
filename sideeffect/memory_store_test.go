package sideeffect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/sideeffect"
)

func newCoordinator(t *testing.T) (*sideeffect.Coordinator, *testclock.Clock) {
	t.Helper()
	tc := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := platformtime.New(tc)
	store := sideeffect.NewMemoryStore(src)
	coord := sideeffect.NewCoordinator(&sideeffect.Config{Clock: src}, store)
	return coord, tc
}

func TestExecuteHappyPathCompletes(t *testing.T) {
	coord, _ := newCoordinator(t)

	req := sideeffect.ExecuteRequest{
		OperationName:       "charge",
		IdempotencyKey:      "order-1",
		LockedBy:            ownertoken.Generate(),
		AttemptLockDuration: time.Minute,
	}

	outcome, err := coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{Outcome: sideeffect.ExecuteSucceeded, ExternalRefID: "ref-1"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.Completed, outcome)
}

func TestExecuteAlreadyCompletedShortCircuits(t *testing.T) {
	coord, _ := newCoordinator(t)
	req := sideeffect.ExecuteRequest{OperationName: "charge", IdempotencyKey: "order-2", AttemptLockDuration: time.Minute}
	execFn := func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{Outcome: sideeffect.ExecuteSucceeded}, nil
	}

	outcome, err := coord.Execute(context.Background(), req, nil, execFn)
	require.NoError(t, err)
	require.Equal(t, sideeffect.Completed, outcome)

	outcome, err = coord.Execute(context.Background(), req, nil, execFn)
	require.NoError(t, err)
	require.Equal(t, sideeffect.AlreadyCompleted, outcome)
}

func TestExecutePermanentFailureShortCircuits(t *testing.T) {
	coord, _ := newCoordinator(t)
	req := sideeffect.ExecuteRequest{OperationName: "charge", IdempotencyKey: "order-3", AttemptLockDuration: time.Minute}
	failOnce := func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{Outcome: sideeffect.ExecuteFailedPermanent, LastError: "card declined"}, nil
	}

	outcome, err := coord.Execute(context.Background(), req, nil, failOnce)
	require.NoError(t, err)
	require.Equal(t, sideeffect.PermanentFailure, outcome)

	outcome, err = coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		t.Fatal("executeFn should not be invoked after a permanent failure")
		return sideeffect.ExecuteResult{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.PermanentFailure, outcome)
}

func TestExecuteLockedByOtherOwner(t *testing.T) {
	_, tc := newCoordinator(t)
	src := platformtime.New(tc)
	store := sideeffect.NewMemoryStore(src)

	_, err := store.LoadOrCreate(context.Background(), "charge", "order-4", "", "", "")
	require.NoError(t, err)

	firstOwner := ownertoken.Generate()
	outcome, _, err := store.TryBeginAttempt(context.Background(), "charge", "order-4", firstOwner, time.Minute)
	require.NoError(t, err)
	require.Equal(t, sideeffect.Ready, outcome)

	secondOwner := ownertoken.Generate()
	outcome, _, err = store.TryBeginAttempt(context.Background(), "charge", "order-4", secondOwner, time.Minute)
	require.NoError(t, err)
	require.Equal(t, sideeffect.Locked, outcome)

	tc.Advance(2 * time.Minute)
	outcome, _, err = store.TryBeginAttempt(context.Background(), "charge", "order-4", secondOwner, time.Minute)
	require.NoError(t, err)
	require.Equal(t, sideeffect.Ready, outcome)
}

func TestExecuteRetryScheduledOnExecuteError(t *testing.T) {
	coord, _ := newCoordinator(t)
	req := sideeffect.ExecuteRequest{OperationName: "charge", IdempotencyKey: "order-5", AttemptLockDuration: time.Minute}

	outcome, err := coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{}, errors.New("gateway timeout")
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.RetryScheduled, outcome)

	// The record is back in Pending, so a subsequent Execute can try again.
	outcome, err = coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{Outcome: sideeffect.ExecuteSucceeded}, nil
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.Completed, outcome)
}

func TestExecuteRetryScheduledOnExecutePending(t *testing.T) {
	coord, _ := newCoordinator(t)
	req := sideeffect.ExecuteRequest{OperationName: "charge", IdempotencyKey: "order-6", AttemptLockDuration: time.Minute}

	outcome, err := coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{Outcome: sideeffect.ExecutePending, LastError: "still processing upstream"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.RetryScheduled, outcome)
}

func TestExecuteCheckFnConfirmsStaleInFlight(t *testing.T) {
	coord, tc := newCoordinator(t)
	req := sideeffect.ExecuteRequest{
		OperationName:        "charge",
		IdempotencyKey:       "order-7",
		AttemptLockDuration:  time.Minute,
		MinimumCheckInterval: 30 * time.Second,
	}

	outcome, err := coord.Execute(context.Background(), req, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{}, errors.New("timeout, unsure if it landed")
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.RetryScheduled, outcome)

	tc.Advance(time.Minute)

	checkFn := func(ctx context.Context, rec *sideeffect.Record) (bool, bool, error) {
		return true, false, nil
	}
	outcome, err = coord.Execute(context.Background(), req, checkFn, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		t.Fatal("executeFn should not run once checkFn confirms success")
		return sideeffect.ExecuteResult{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, sideeffect.Completed, outcome)
}

func TestExecuteRejectsEmptyKeys(t *testing.T) {
	coord, _ := newCoordinator(t)
	_, err := coord.Execute(context.Background(), sideeffect.ExecuteRequest{}, nil, func(ctx context.Context, rec *sideeffect.Record) (sideeffect.ExecuteResult, error) {
		return sideeffect.ExecuteResult{}, nil
	})
	require.Error(t, err)
}
