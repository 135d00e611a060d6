package lease

import (
	"context"
	"sync"

	"github.com/incursa/platform-sub008/perr"
)

// watcher watches a single held Lease and closes its done channel exactly
// once the lease is observed lost, polling ThrowIfLost on Config's
// RenewCheckInterval. This is the single-lease descendant of the teacher's
// leaseHolder, which renewed a whole map of leases held by one worker; the
// fenced System Lease contract only ever tracks one lease per watcher, so
// the map and its locking collapsed to a single guarded bool.
type watcher struct {
	*Config
	store Store
	lease *Lease

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newWatcher(cfg *Config, store Store, l *Lease) *watcher {
	return &watcher{Config: cfg, store: store, lease: l, done: make(chan struct{})}
}

// run polls ThrowIfLost until it reports loss, then closes done and
// returns. Intended to run in its own goroutine for the lifetime of the
// lease.
func (w *watcher) run(stop <-chan struct{}) {
	ctx := context.Background()
	ticker := w.Clock.NewTimer(w.RenewCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			err := w.store.ThrowIfLost(ctx, w.lease)
			if err != nil && !perr.IsLeaseLost(err) {
				w.Logger.WithError(err).WithField("key", w.lease.Key).Debug("lease check failed, retrying")
				ticker.Reset(w.Backoff.Duration())
				continue
			}
			if err != nil {
				w.Logger.WithField("key", w.lease.Key).Debug("lease lost, closing cancellation signal")
				w.close()
				return
			}
			w.Backoff.Reset()
			ticker.Reset(w.RenewCheckInterval)
		}
	}
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) channel() <-chan struct{} { return w.done }
