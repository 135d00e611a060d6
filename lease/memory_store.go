package lease

import (
	"context"
	"sync"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

type memoryRow struct {
	owner        ownertoken.Token
	fencingToken int64
	expiresAt    time.Time
}

// MemoryStore is the in-memory reference implementation of Store (spec §2
// "in-memory provider"). It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	clock platformtime.Source
	rows  map[string]*memoryRow
}

// NewMemoryStore builds a MemoryStore using clk as its time source. Pass
// platformtime.WallClock in production, a deterministic Source in tests.
func NewMemoryStore(clk platformtime.Source) *MemoryStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &MemoryStore{
		clock: clk,
		rows:  make(map[string]*memoryRow),
	}
}

func (m *MemoryStore) Acquire(_ context.Context, resource string, owner ownertoken.Token, duration time.Duration) (*Lease, error) {
	if resource == "" {
		return nil, invalidArgument("resource key must not be empty")
	}
	if duration <= 0 {
		return nil, invalidArgument("duration must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	row, exists := m.rows[resource]

	if exists && !row.isExpiredAt(now) && row.owner != owner {
		return nil, nil
	}

	if owner.Empty() {
		owner = ownertoken.Generate()
	}

	var nextFencing int64 = 1
	if exists {
		nextFencing = row.fencingToken + 1
	}

	newRow := &memoryRow{
		owner:        owner,
		fencingToken: nextFencing,
		expiresAt:    now.Add(duration),
	}
	m.rows[resource] = newRow

	return &Lease{
		Key:          resource,
		OwnerToken:   owner,
		FencingToken: newRow.fencingToken,
		ExpiresAt:    newRow.expiresAt,
	}, nil
}

func (m *MemoryStore) TryRenewNow(_ context.Context, l *Lease, duration time.Duration) (bool, error) {
	if duration <= 0 {
		return false, invalidArgument("duration must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[l.Key]
	if !ok {
		return false, nil
	}
	if row.owner != l.OwnerToken || row.fencingToken != l.FencingToken {
		return false, nil
	}
	now := m.clock.Now()
	if row.isExpiredAt(now) {
		return false, nil
	}

	row.fencingToken++
	row.expiresAt = now.Add(duration)
	l.FencingToken = row.fencingToken
	l.ExpiresAt = row.expiresAt
	return true, nil
}

func (m *MemoryStore) ThrowIfLost(_ context.Context, l *Lease) error {
	m.mu.Lock()
	row, ok := m.rows[l.Key]
	now := m.clock.Now()
	m.mu.Unlock()

	if !ok || row.owner != l.OwnerToken || row.fencingToken != l.FencingToken || row.isExpiredAt(now) {
		return leaseLost(l.Key)
	}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[l.Key]
	if !ok || row.owner != l.OwnerToken {
		return nil
	}
	delete(m.rows, l.Key)
	return nil
}

func (r *memoryRow) isExpiredAt(now time.Time) bool {
	return !r.expiresAt.After(now)
}
