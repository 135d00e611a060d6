// Package memstore wires together the in-memory reference
// implementation of every primitive (spec §6 "memstore") behind one
// struct, used as the zero-dependency provider.Single target in tests
// and examples and as the conformance double each SQLStore's semantics
// are checked against.
package memstore

import (
	"github.com/incursa/platform-sub008/inbox"
	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/outbox"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/scheduler"
	"github.com/incursa/platform-sub008/sideeffect"
)

// Database bundles one in-memory store per primitive, all sharing a
// single clock so their notions of "now" never drift apart within one
// logical database.
type Database struct {
	Lease      *lease.MemoryStore
	Outbox     *outbox.MemoryStore
	Inbox      *inbox.MemoryStore
	Scheduler  *scheduler.MemoryStore
	SideEffect *sideeffect.MemoryStore
}

// New builds a Database whose stores all share clk. Pass
// platformtime.WallClock in production/examples and a
// juju/clock/testclock clock wrapped in platformtime.New for
// deterministic tests.
func New(clk platformtime.Source) *Database {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &Database{
		Lease:      lease.NewMemoryStore(clk),
		Outbox:     outbox.NewMemoryStore(clk),
		Inbox:      inbox.NewMemoryStore(clk),
		Scheduler:  scheduler.NewMemoryStore(clk),
		SideEffect: sideeffect.NewMemoryStore(clk),
	}
}
