package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/incursa/platform-sub008/perr"
	"github.com/incursa/platform-sub008/platformtime"
)

type dynamicEntry[S any] struct {
	store            S
	connectionString string
}

// Dynamic is a discovery-callback-driven Provider: a background loop
// calls discover on an interval, builds a store for every newly-seen key,
// disposes stores whose key disappeared or whose connection string
// changed, and reconstructs those. Refresh calls are serialized with a
// weight-1 semaphore so overlapping ticks never run the discover/build/
// dispose sequence concurrently with each other.
type Dynamic[S any] struct {
	discover DiscoverFunc
	build    BuildFunc[S]
	dispose  DisposeFunc[S]
	clock    platformtime.Source
	sem      *semaphore.Weighted

	mu      sync.RWMutex
	entries map[string]dynamicEntry[S]

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// DynamicConfig configures a Dynamic provider.
type DynamicConfig[S any] struct {
	Discover        DiscoverFunc
	Build           BuildFunc[S]
	Dispose         DisposeFunc[S]
	RefreshInterval time.Duration
	Clock           platformtime.Source
}

func (c *DynamicConfig[S]) defaults() {
	if c.Clock == nil {
		c.Clock = platformtime.WallClock
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
}

// NewDynamic builds a Dynamic provider, performs an initial synchronous
// refresh so the provider is immediately usable, then starts the
// background refresh loop.
func NewDynamic[S any](ctx context.Context, cfg DynamicConfig[S]) (*Dynamic[S], error) {
	cfg.defaults()
	if cfg.Discover == nil || cfg.Build == nil {
		return nil, perr.New(perr.KindInvalidArgument, "Discover and Build are required")
	}

	d := &Dynamic[S]{
		discover: cfg.Discover,
		build:    cfg.Build,
		dispose:  cfg.Dispose,
		clock:    cfg.Clock,
		sem:      semaphore.NewWeighted(1),
		entries:  make(map[string]dynamicEntry[S]),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := d.refresh(ctx); err != nil {
		return nil, err
	}

	go d.loop(cfg.RefreshInterval)
	return d, nil
}

func (d *Dynamic[S]) loop(interval time.Duration) {
	defer close(d.doneCh)
	timer := d.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-timer.Chan():
			_ = d.refresh(context.Background())
			timer.Reset(interval)
		}
	}
}

// refresh is single-flighted via sem so a slow discover call can never
// overlap with another refresh tick.
func (d *Dynamic[S]) refresh(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	snapshot, err := d.discover(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(snapshot))
	next := make(map[string]dynamicEntry[S])
	var retired []S

	d.mu.RLock()
	previous := d.entries
	d.mu.RUnlock()

	for _, entry := range snapshot {
		seen[entry.Key] = true
		if existing, ok := previous[entry.Key]; ok && existing.connectionString == entry.ConnectionString {
			next[entry.Key] = existing
			continue
		}
		if existing, ok := previous[entry.Key]; ok {
			retired = append(retired, existing.store)
		}
		store, err := d.build(ctx, entry)
		if err != nil {
			return err
		}
		next[entry.Key] = dynamicEntry[S]{store: store, connectionString: entry.ConnectionString}
	}

	for key, existing := range previous {
		if !seen[key] {
			retired = append(retired, existing.store)
		}
	}

	d.mu.Lock()
	d.entries = next
	d.mu.Unlock()

	if d.dispose != nil {
		for _, s := range retired {
			d.dispose(s)
		}
	}
	return nil
}

func (d *Dynamic[S]) Get(_ context.Context, key string) (S, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		var zero S
		return zero, perr.New(perr.KindInvalidArgument, "unknown provider key: "+key)
	}
	return e.store, nil
}

func (d *Dynamic[S]) Keys(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Stop halts the background refresh loop and waits for it to exit.
func (d *Dynamic[S]) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}
