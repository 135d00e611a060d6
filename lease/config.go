package lease

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/incursa/platform-sub008/platformtime"
)

// Logger represents the desired API of both logrus.Logger and logrus.Entry,
// the same narrow seam the teacher package exposes so components never
// depend on the concrete logrus types.
type Logger interface {
	WithField(string, interface{}) *logrus.Entry
	WithError(error) *logrus.Entry
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})
}

// Backofface is the interface that holds the backoff strategy used to pace
// the background watch loop's retry-on-failure behavior.
type Backofface interface {
	Reset()
	Duration() time.Duration
}

// Config configures a Store and the background watch loop started by
// CancellationSignal.
type Config struct {
	// Logger defaults to logrus.New() scoped with component=lease.
	Logger Logger

	// Clock supplies "now"; defaults to platformtime.WallClock.
	Clock platformtime.Source

	// Backoff paces retries of a lease check that failed without
	// reporting loss inside the watch loop. Defaults to jpillora/backoff
	// with Min=100ms, Max=5s, Jitter.
	Backoff Backofface

	// RenewCheckInterval is how often a CancellationSignal watcher polls
	// ThrowIfLost to detect loss. Defaults to 1s.
	RenewCheckInterval time.Duration
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = logrus.New().WithField("component", "lease")
	}
	if c.Clock == nil {
		c.Clock = platformtime.WallClock
	}
	if c.Backoff == nil {
		c.Backoff = &Backoff{b: &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: true}}
	}
	if c.RenewCheckInterval <= 0 {
		c.RenewCheckInterval = time.Second
	}
}

// Backoff is the default thread-safe implementation of Backofface, kept in
// the same shape as the teacher package's mutex-guarded
// jpillora/backoff.Backoff wrapper.
type Backoff struct {
	sync.Mutex
	b *backoff.Backoff
}

func (b *Backoff) Duration() time.Duration {
	b.Lock()
	defer b.Unlock()
	return b.b.Duration()
}

func (b *Backoff) Reset() {
	b.Lock()
	b.b.Reset()
	b.Unlock()
}
