package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

type memRow struct {
	rec Record
	seq uint64
}

// MemoryStore is the in-process reference implementation of Store.
type MemoryStore struct {
	mu    sync.Mutex
	clock platformtime.Source
	seq   uint64
	rows  map[string]*memRow // keyed by MessageID
}

// NewMemoryStore builds a MemoryStore using clk as its time source.
func NewMemoryStore(clk platformtime.Source) *MemoryStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &MemoryStore{clock: clk, rows: make(map[string]*memRow)}
}

func (m *MemoryStore) AlreadyProcessed(_ context.Context, messageID, source, hash string) (bool, error) {
	if messageID == "" {
		return false, invalidArgument("messageId must not be empty")
	}
	if source == "" {
		return false, invalidArgument("source must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	r, ok := m.rows[messageID]
	if !ok {
		m.seq++
		m.rows[messageID] = &memRow{
			seq: m.seq,
			rec: Record{
				MessageID: messageID,
				Source:    source,
				Hash:      hash,
				FirstSeen: now,
				LastSeen:  now,
				Attempts:  1,
				Status:    Seen,
			},
		}
		return false, nil
	}

	r.rec.LastSeen = now
	r.rec.Attempts++
	return r.rec.ProcessedAt != nil, nil
}

func (m *MemoryStore) MarkProcessing(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok {
		return invalidArgument("unknown message " + messageID)
	}
	r.rec.Status = Processing
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok {
		return invalidArgument("unknown message " + messageID)
	}
	now := m.clock.Now()
	r.rec.Status = Done
	r.rec.ProcessedAt = &now
	return nil
}

func (m *MemoryStore) MarkDead(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok {
		return invalidArgument("unknown message " + messageID)
	}
	r.rec.Status = Dead
	return nil
}

func (m *MemoryStore) Revive(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok {
		return invalidArgument("unknown message " + messageID)
	}
	if r.rec.Status != Dead {
		return nil
	}
	r.rec.Status = Seen
	return nil
}

func (m *MemoryStore) Enqueue(_ context.Context, topic, source, messageID string, payload []byte, hash string, dueTime *time.Time) error {
	if messageID == "" {
		return invalidArgument("messageId must not be empty")
	}
	if source == "" {
		return invalidArgument("source must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	due := now
	if dueTime != nil {
		due = *dueTime
	}

	if r, ok := m.rows[messageID]; ok {
		r.rec.LastSeen = now
		r.rec.Payload = payload
		r.rec.Topic = topic
		r.rec.DueTime = &due
		return nil
	}

	m.seq++
	m.rows[messageID] = &memRow{
		seq: m.seq,
		rec: Record{
			MessageID: messageID,
			Source:    source,
			Topic:     topic,
			Payload:   payload,
			Hash:      hash,
			FirstSeen: now,
			LastSeen:  now,
			Attempts:  1,
			Status:    Seen,
			DueTime:   &due,
		},
	}
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Record, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if owner.Empty() {
		owner = ownertoken.Generate()
	}

	var candidates []*memRow
	for _, r := range m.rows {
		if r.rec.Status != Seen {
			continue
		}
		if r.rec.DueTime != nil && r.rec.DueTime.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*Record, 0, len(candidates))
	for _, r := range candidates {
		r.rec.Status = Processing
		r.rec.OwnerToken = owner
		r.rec.LockedUntil = now.Add(leaseDuration)
		cp := r.rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) Ack(_ context.Context, owner ownertoken.Token, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok || r.rec.Status != Processing || r.rec.OwnerToken != owner {
		return nil
	}
	now := m.clock.Now()
	r.rec.Status = Done
	r.rec.ProcessedAt = &now
	r.rec.OwnerToken = ""
	return nil
}

func (m *MemoryStore) Abandon(_ context.Context, owner ownertoken.Token, messageID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok || r.rec.Status != Processing || r.rec.OwnerToken != owner {
		return nil
	}
	due := m.clock.Now().Add(delay)
	r.rec.Status = Seen
	r.rec.Attempts++
	r.rec.DueTime = &due
	r.rec.OwnerToken = ""
	r.rec.LockedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, owner ownertoken.Token, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok || r.rec.Status != Processing || r.rec.OwnerToken != owner {
		return nil
	}
	r.rec.Status = Dead
	r.rec.OwnerToken = ""
	return nil
}

func (m *MemoryStore) ReapExpired(_ context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, r := range m.rows {
		if n >= batchSize {
			break
		}
		if r.rec.Status == Processing && r.rec.LockedUntil.Before(now) {
			r.rec.Status = Seen
			r.rec.OwnerToken = ""
			r.rec.LockedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(_ context.Context, messageID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[messageID]
	if !ok {
		return nil, nil
	}
	cp := r.rec
	return &cp, nil
}
