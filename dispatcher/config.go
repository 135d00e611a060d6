package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/incursa/platform-sub008/platformtime"
)

// Logger is the same narrow logrus seam every package in this platform
// exposes, so components never depend on the concrete logrus types.
type Logger interface {
	WithField(string, interface{}) *logrus.Entry
	WithError(error) *logrus.Entry
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})
}

// Backofface computes the retry delay a Handler's Retry outcome falls
// back to when it doesn't set its own RetryDelay.
type Backofface interface {
	ForAttempt(attempt float64) time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	// Logger defaults to logrus.New() scoped with component=dispatcher.
	Logger Logger
	// Clock supplies "now"; defaults to platformtime.WallClock.
	Clock platformtime.Source

	// LeaseKey is the System Lease resource name this dispatcher
	// acquires before it will poll ("<primitive>:run:<database>" per
	// spec §4.6).
	LeaseKey string
	// LeaseDuration is how long the dispatcher's own run lease is held
	// for between renewals. Defaults to 30s.
	LeaseDuration time.Duration

	// ClaimLeaseDuration defaults to 1 minute. Dispatcher itself does not
	// read it: an individual claimed item's lock lasts for the duration
	// given to NewOutboxAdapter/NewInboxAdapter (scheduler adapters use
	// the run lease).
	ClaimLeaseDuration time.Duration
	// BatchSize is the max number of items claimed per poll. Defaults
	// to 20.
	BatchSize int
	// Concurrency bounds how many handlers run at once per batch.
	// Defaults to 4.
	Concurrency int
	// PollInterval paces polling when the adapter has no next-event
	// hint. Defaults to 1s.
	PollInterval time.Duration

	// Backoff computes a Retry outcome's delay when the handler didn't
	// set one itself. Defaults to jpillora/backoff, Min=1s, Max=1m,
	// Factor=2, Jitter.
	Backoff Backofface

	// NextEventTime, if set, paces polling against the next known due
	// time (scheduler's GetNextEventTime) instead of a fixed
	// PollInterval, so the dispatcher never busy-polls ahead of work it
	// already knows isn't due.
	NextEventTime func(ctx context.Context) (*time.Time, error)
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = logrus.New().WithField("component", "dispatcher")
	}
	if c.Clock == nil {
		c.Clock = platformtime.WallClock
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.ClaimLeaseDuration <= 0 {
		c.ClaimLeaseDuration = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Backoff == nil {
		c.Backoff = &boundedBackoff{b: &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}}
	}
}

// boundedBackoff is the default thread-safe Backofface, wrapping
// jpillora/backoff the same way lease.Backoff wraps it.
type boundedBackoff struct {
	sync.Mutex
	b *backoff.Backoff
}

func (b *boundedBackoff) ForAttempt(attempt float64) time.Duration {
	b.Lock()
	defer b.Unlock()
	return b.b.ForAttempt(attempt)
}
