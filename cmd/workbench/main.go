// workbench wires one in-memory outbox, a dispatcher, and a logging
// handler end to end, for manually exercising the outbox/dispatcher
// pair outside of a test binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/incursa/platform-sub008/dispatcher"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/memstore"
	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/platformtime"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	db := memstore.New(platformtime.WallClock)
	leases := lease.NewCoordinator(&lease.Config{Logger: log.WithField("component", "lease")}, db.Lease)

	d := dispatcher.New(&dispatcher.Config{
		Logger:       log.WithField("component", "dispatcher"),
		LeaseKey:     "outbox:run:workbench",
		PollInterval: 200 * time.Millisecond,
	}, dispatcher.NewOutboxAdapter(db.Outbox, time.Minute), leases)

	d.SetDefaultHandler(dispatcher.FromError(func(ctx context.Context, msg *outbox.Message) error {
		log.WithField("topic", msg.Topic).WithField("id", msg.ID).Info("delivered message")
		return nil
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	seed := time.NewTicker(2 * time.Second)
	defer seed.Stop()
	count := 0
	for {
		select {
		case <-seed.C:
			count++
			if _, err := db.Outbox.Enqueue(ctx, "workbench.demo", []byte("hello"), "", nil); err != nil {
				log.WithError(err).Error("enqueue demo message")
			}
		case err := <-done:
			if err != nil {
				log.WithError(err).Warn("dispatcher stopped")
			}
			return
		case <-ctx.Done():
			d.Stop()
			<-done
			log.WithField("enqueued", count).Info("workbench shutting down")
			return
		}
	}
}
