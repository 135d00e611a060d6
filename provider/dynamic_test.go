package provider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/provider"
)

type fakeStore struct {
	connectionString string
	disposed         bool
}

func TestDynamicBuildsOnInitialDiscovery(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	src := platformtime.New(tc)

	discover := func(ctx context.Context) ([]provider.DiscoveryEntry, error) {
		return []provider.DiscoveryEntry{{Key: "tenant-a", ConnectionString: "dsn-a"}}, nil
	}
	build := func(ctx context.Context, entry provider.DiscoveryEntry) (*fakeStore, error) {
		return &fakeStore{connectionString: entry.ConnectionString}, nil
	}

	d, err := provider.NewDynamic(context.Background(), provider.DynamicConfig[*fakeStore]{
		Discover: discover,
		Build:    build,
		Clock:    src,
	})
	require.NoError(t, err)
	defer d.Stop()

	store, err := d.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "dsn-a", store.connectionString)
}

func TestDynamicRefreshAddsRemovesAndRebuilds(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	src := platformtime.New(tc)

	var mu sync.Mutex
	snapshot := []provider.DiscoveryEntry{
		{Key: "tenant-a", ConnectionString: "dsn-a"},
		{Key: "tenant-b", ConnectionString: "dsn-b"},
	}

	discover := func(ctx context.Context) ([]provider.DiscoveryEntry, error) {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]provider.DiscoveryEntry, len(snapshot))
		copy(cp, snapshot)
		return cp, nil
	}
	var built int
	build := func(ctx context.Context, entry provider.DiscoveryEntry) (*fakeStore, error) {
		built++
		return &fakeStore{connectionString: entry.ConnectionString}, nil
	}
	var disposed []*fakeStore
	dispose := func(s *fakeStore) {
		s.disposed = true
		disposed = append(disposed, s)
	}

	d, err := provider.NewDynamic(context.Background(), provider.DynamicConfig[*fakeStore]{
		Discover:        discover,
		Build:           build,
		Dispose:         dispose,
		RefreshInterval: time.Minute,
		Clock:           src,
	})
	require.NoError(t, err)
	defer d.Stop()

	require.Equal(t, 2, built)

	tenantB, err := d.Get(context.Background(), "tenant-b")
	require.NoError(t, err)

	// Remove tenant-b, change tenant-a's connection string.
	mu.Lock()
	snapshot = []provider.DiscoveryEntry{{Key: "tenant-a", ConnectionString: "dsn-a-v2"}}
	mu.Unlock()

	tc.Advance(time.Minute)
	require.Eventually(t, func() bool {
		keys, _ := d.Keys(context.Background())
		return len(keys) == 1
	}, time.Second, time.Millisecond)

	_, err = d.Get(context.Background(), "tenant-b")
	require.Error(t, err)
	require.True(t, tenantB.disposed)

	storeA, err := d.Get(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "dsn-a-v2", storeA.connectionString)
}
