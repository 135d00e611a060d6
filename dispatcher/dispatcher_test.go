package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/dispatcher"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/platformtime"
)

func TestDispatcherProcessesOutboxMessages(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)
	leaseStore := lease.NewMemoryStore(clk)
	coordinator := lease.NewCoordinator(&lease.Config{Clock: clk}, leaseStore)

	adapter := dispatcher.NewOutboxAdapter(store, time.Second)
	d := dispatcher.New(&dispatcher.Config{
		LeaseKey:     "outbox:run:test",
		PollInterval: 5 * time.Millisecond,
		BatchSize:    5,
		Clock:        clk,
	}, adapter, coordinator)

	var mu sync.Mutex
	var handled []string
	d.RegisterHandler("greet", dispatcher.FromError(func(ctx context.Context, msg *outbox.Message) error {
		mu.Lock()
		handled = append(handled, string(msg.Payload))
		mu.Unlock()
		return nil
	}))

	_, err := store.Enqueue(context.Background(), "greet", []byte("hello"), "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	defer func() {
		cancel()
		d.Stop()
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherRetriesOnHandlerError(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)
	leaseStore := lease.NewMemoryStore(clk)
	coordinator := lease.NewCoordinator(&lease.Config{Clock: clk}, leaseStore)

	adapter := dispatcher.NewOutboxAdapter(store, time.Second)
	d := dispatcher.New(&dispatcher.Config{
		LeaseKey:     "outbox:run:retry-test",
		PollInterval: 5 * time.Millisecond,
		BatchSize:    5,
		Clock:        clk,
		Backoff:      constantBackoff(time.Millisecond),
	}, adapter, coordinator)

	var mu sync.Mutex
	var attempts int
	d.RegisterHandler("flaky", dispatcher.FromError(func(ctx context.Context, msg *outbox.Message) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errRetryable
		}
		return nil
	}))

	_, err := store.Enqueue(context.Background(), "flaky", []byte("x"), "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	defer func() {
		cancel()
		d.Stop()
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherRenewsLeaseAcrossPolls(t *testing.T) {
	clk := platformtime.WallClock
	store := outbox.NewMemoryStore(clk)
	leaseStore := lease.NewMemoryStore(clk)
	coordinator := lease.NewCoordinator(&lease.Config{Clock: clk, RenewCheckInterval: 5 * time.Millisecond}, leaseStore)

	adapter := dispatcher.NewOutboxAdapter(store, time.Second)
	d := dispatcher.New(&dispatcher.Config{
		LeaseKey:      "outbox:run:renew-test",
		PollInterval:  5 * time.Millisecond,
		LeaseDuration: 40 * time.Millisecond,
		BatchSize:     5,
		Clock:         clk,
	}, adapter, coordinator)

	var mu sync.Mutex
	var handled int
	d.RegisterHandler("ping", dispatcher.FromError(func(ctx context.Context, msg *outbox.Message) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	defer func() {
		cancel()
		d.Stop()
	}()

	// Run well past LeaseDuration, enqueuing fresh work on each cycle, to
	// confirm the dispatcher keeps processing instead of silently losing
	// its run lease to a concurrent acquirer partway through.
	deadline := time.Now().Add(200 * time.Millisecond)
	n := 0
	for time.Now().Before(deadline) {
		_, err := store.Enqueue(context.Background(), "ping", []byte("x"), "", nil)
		require.NoError(t, err)
		n++
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == n
	}, time.Second, 5*time.Millisecond)
}

type constantBackoff time.Duration

func (c constantBackoff) ForAttempt(attempt float64) time.Duration { return time.Duration(c) }

var errRetryable = &retryableError{"transient failure"}

type retryableError struct{ msg string }

func (e *retryableError) Error() string { return e.msg }
