package lease

import (
	"context"
	"sync"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
)

// Coordinator abstracts a Store behind the full System Lease operation set
// from spec §4.1, including CancellationSignal, which is not itself a
// Store primitive but a derived background watch built from ThrowIfLost
// (the teacher's Coordinator plays the analogous role of sitting in front
// of a Manager and owning the scheduling of background loops).
type Coordinator struct {
	*Config
	store Store

	mu       sync.Mutex
	watchers map[*Lease]*watcher
}

// NewCoordinator builds a Coordinator over store, applying Config defaults.
func NewCoordinator(cfg *Config, store Store) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	return &Coordinator{
		Config:   cfg,
		store:    store,
		watchers: make(map[*Lease]*watcher),
	}
}

// Acquire delegates to the underlying Store.
func (c *Coordinator) Acquire(ctx context.Context, resource string, owner ownertoken.Token, duration time.Duration) (*Lease, error) {
	return c.store.Acquire(ctx, resource, owner, duration)
}

// TryRenewNow delegates to the underlying Store.
func (c *Coordinator) TryRenewNow(ctx context.Context, l *Lease, duration time.Duration) (bool, error) {
	return c.store.TryRenewNow(ctx, l, duration)
}

// ThrowIfLost delegates to the underlying Store.
func (c *Coordinator) ThrowIfLost(ctx context.Context, l *Lease) error {
	return c.store.ThrowIfLost(ctx, l)
}

// Release delegates to the underlying Store and stops any watcher started
// for l via CancellationSignal.
func (c *Coordinator) Release(ctx context.Context, l *Lease) error {
	c.stopWatch(l)
	return c.store.Release(ctx, l)
}

// CancellationSignal returns a channel closed exactly once when l is
// observed lost. Calling it more than once for the same *Lease returns the
// same channel; the watch loop is started lazily and stopped by Release.
func (c *Coordinator) CancellationSignal(l *Lease) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.watchers[l]; ok {
		return w.channel()
	}

	w := newWatcher(c.Config, c.store, l)
	w.stop = make(chan struct{})
	c.watchers[l] = w
	go w.run(w.stop)
	return w.channel()
}

func (c *Coordinator) stopWatch(l *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.watchers[l]
	if !ok {
		return
	}
	delete(c.watchers, l)
	if w.stop != nil {
		close(w.stop)
	}
}
