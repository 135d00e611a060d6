package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/perr"
)

// Dispatcher polls one primitive's claimable store under a System Lease
// and fans claimed items out to registered Handlers with bounded
// concurrency (spec §4.6, §5).
type Dispatcher[T any] struct {
	*Config
	adapter     Adapter[T]
	leases      *lease.Coordinator
	owner       ownertoken.Token
	handlers    map[string]Handler[T]
	handlersMu  sync.RWMutex
	defaultFunc Handler[T]

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Dispatcher over adapter, acquiring its run lease through
// leases.
func New[T any](cfg *Config, adapter Adapter[T], leases *lease.Coordinator) *Dispatcher[T] {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	return &Dispatcher[T]{
		Config:   cfg,
		adapter:  adapter,
		leases:   leases,
		owner:    ownertoken.Generate(),
		handlers: make(map[string]Handler[T]),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RegisterHandler routes claimed items whose topic equals topic to h.
func (d *Dispatcher[T]) RegisterHandler(topic string, h Handler[T]) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[topic] = h
}

// SetDefaultHandler sets the fallback invoked for items whose topic has
// no registered handler. Without one, such items are permanently failed.
func (d *Dispatcher[T]) SetDefaultHandler(h Handler[T]) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.defaultFunc = h
}

func (d *Dispatcher[T]) handlerFor(topic string) Handler[T] {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	if h, ok := d.handlers[topic]; ok {
		return h
	}
	return d.defaultFunc
}

// Run blocks until ctx is cancelled or Stop is called, continually
// acquiring the run lease, polling while it holds, and releasing it on
// loss before retrying acquisition.
func (d *Dispatcher[T]) Run(ctx context.Context) error {
	defer close(d.doneCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		default:
		}

		l, err := d.leases.Acquire(ctx, d.LeaseKey, d.owner, d.LeaseDuration)
		if err != nil || l == nil {
			d.Logger.WithError(err).WithField("lease_key", d.LeaseKey).Debug("dispatcher could not acquire run lease, retrying")
			if !d.sleep(ctx, d.PollInterval) {
				return nil
			}
			continue
		}

		d.Logger.WithField("lease_key", d.LeaseKey).Info("dispatcher acquired run lease")
		lost := d.runWithLease(ctx, l)
		_ = d.leases.Release(ctx, l)
		if !lost {
			return nil
		}
	}
}

// runWithLease polls until the lease is lost, the context is cancelled,
// or Stop is called. Returns true iff it should retry acquisition. A
// renewal tick at LeaseDuration/2 keeps the lease alive across polls
// that outlive a single LeaseDuration window (mirrors leasectl); a
// failed or rejected renewal is treated the same as cancellation.
func (d *Dispatcher[T]) runWithLease(ctx context.Context, l *lease.Lease) bool {
	cancellation := d.leases.CancellationSignal(l)

	renew := d.Clock.NewTimer(d.LeaseDuration / 2)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-d.stopCh:
			return false
		case <-cancellation:
			d.Logger.WithField("lease_key", d.LeaseKey).Warn("dispatcher lost its run lease")
			return true
		case <-renew.Chan():
			ok, err := d.leases.TryRenewNow(ctx, l, d.LeaseDuration)
			if err != nil {
				d.Logger.WithError(err).WithField("lease_key", d.LeaseKey).Warn("failed to renew run lease")
				return true
			}
			if !ok {
				d.Logger.WithField("lease_key", d.LeaseKey).Warn("dispatcher lost its run lease on renewal")
				return true
			}
			renew = d.Clock.NewTimer(d.LeaseDuration / 2)
			continue
		default:
		}

		if _, err := d.adapter.ReapExpired(ctx, d.BatchSize); err != nil {
			d.Logger.WithError(err).Warn("reap expired claims failed")
		}

		items, err := d.adapter.ClaimDue(ctx, l, d.BatchSize)
		if err != nil {
			d.Logger.WithError(err).Warn("claim due failed")
			if !d.sleep(ctx, d.PollInterval) {
				return false
			}
			continue
		}

		if len(items) > 0 {
			d.handleBatch(ctx, l, items)
		}

		delay := d.nextPollDelay(ctx, len(items))
		select {
		case <-ctx.Done():
			return false
		case <-d.stopCh:
			return false
		case <-cancellation:
			return true
		case <-renew.Chan():
			ok, err := d.leases.TryRenewNow(ctx, l, d.LeaseDuration)
			if err != nil {
				d.Logger.WithError(err).WithField("lease_key", d.LeaseKey).Warn("failed to renew run lease")
				return true
			}
			if !ok {
				d.Logger.WithField("lease_key", d.LeaseKey).Warn("dispatcher lost its run lease on renewal")
				return true
			}
			renew = d.Clock.NewTimer(d.LeaseDuration / 2)
		case <-d.Clock.NewTimer(delay).Chan():
		}
	}
}

func (d *Dispatcher[T]) nextPollDelay(ctx context.Context, claimed int) time.Duration {
	if claimed > 0 {
		return 0
	}
	if d.NextEventTime == nil {
		return d.PollInterval
	}
	next, err := d.NextEventTime(ctx)
	if err != nil || next == nil {
		return d.PollInterval
	}
	delay := next.Sub(d.Clock.Now())
	if delay <= 0 {
		return 0
	}
	if delay > d.PollInterval {
		return d.PollInterval
	}
	return delay
}

// handleBatch fans items out to their handlers with bounded concurrency
// and settles each one with the handler's verdict.
func (d *Dispatcher[T]) handleBatch(ctx context.Context, l *lease.Lease, items []T) {
	sem := semaphore.NewWeighted(int64(d.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, item := range items {
		item := item
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			d.handleOne(gctx, l, item)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher[T]) handleOne(ctx context.Context, l *lease.Lease, item T) {
	id := d.adapter.ItemID(item)
	topic := d.adapter.ItemTopic(item)
	log := d.Logger.WithField("id", id).WithField("topic", topic)

	h := d.handlerFor(topic)
	if h == nil {
		log.Warn("no handler registered for topic, failing permanently")
		d.settle(ctx, l, item, HandlerResult{Outcome: Permanent, LastError: "no handler registered for topic " + topic})
		return
	}

	result := h(ctx, item)
	d.settle(ctx, l, item, result)
}

func (d *Dispatcher[T]) settle(ctx context.Context, l *lease.Lease, item T, result HandlerResult) {
	if result.Outcome == Retry && result.RetryDelay <= 0 {
		result.RetryDelay = d.Backoff.ForAttempt(1)
	}
	if err := d.adapter.Settle(ctx, l, item, result); err != nil {
		d.Logger.WithError(err).WithField("id", d.adapter.ItemID(item)).Error("settle failed")
	}
}

func (d *Dispatcher[T]) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-d.Clock.NewTimer(delay).Chan():
		return true
	}
}

// Stop signals Run to exit and waits for it to return.
func (d *Dispatcher[T]) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// classifyErr maps a handler error into a HandlerResult, treating a
// perr.PermanentMarker as Permanent and everything else as Retry (spec
// §7: "Handler exceptions become Reschedule... or Fail if a sentinel
// marker type was raised").
func classifyErr(err error) HandlerResult {
	if err == nil {
		return HandlerResult{Outcome: Success}
	}
	if perr.IsPermanent(err) {
		return HandlerResult{Outcome: Permanent, LastError: err.Error()}
	}
	return HandlerResult{Outcome: Retry, LastError: err.Error()}
}

// FromError adapts a plain func(ctx, item) error Handler into the
// HandlerResult-returning shape Dispatcher expects.
func FromError[T any](f func(ctx context.Context, item T) error) Handler[T] {
	return func(ctx context.Context, item T) HandlerResult {
		return classifyErr(f(ctx, item))
	}
}
