// leasectl acquires, renews, and releases a named System Lease against
// the in-memory store, for manually exercising the lease primitive
// outside of a test binary.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

func main() {
	key := flag.String("key", "leasectl-demo", "lease resource key to acquire")
	duration := flag.Duration("duration", 15*time.Second, "lease duration")
	hold := flag.Duration("hold", time.Minute, "how long to hold the lease before releasing")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	store := lease.NewMemoryStore(platformtime.WallClock)
	coordinator := lease.NewCoordinator(&lease.Config{Logger: log.WithField("component", "leasectl")}, store)

	ctx := context.Background()
	owner := ownertoken.Generate()

	l, err := coordinator.Acquire(ctx, *key, owner, *duration)
	if err != nil {
		log.WithError(err).Fatal("acquire lease")
	}
	if l == nil {
		log.WithField("key", *key).Fatal("lease already held by another owner")
	}
	log.WithField("key", l.Key).WithField("fencing_token", l.FencingToken).Info("lease acquired")

	cancellation := coordinator.CancellationSignal(l)

	renew := time.NewTicker(*duration / 2)
	defer renew.Stop()
	deadline := time.NewTimer(*hold)
	defer deadline.Stop()

	for {
		select {
		case <-renew.C:
			ok, err := coordinator.TryRenewNow(ctx, l, *duration)
			if err != nil {
				log.WithError(err).Error("renew lease")
				continue
			}
			if !ok {
				log.Warn("renew reported lease no longer held")
			} else {
				log.Info("lease renewed")
			}
		case <-cancellation:
			log.Warn("lease lost before hold period elapsed")
			return
		case <-deadline.C:
			if err := coordinator.Release(ctx, l); err != nil {
				log.WithError(err).Fatal("release lease")
			}
			log.Info("lease released")
			return
		}
	}
}
