package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

type memRow struct {
	msg Message
	seq uint64
}

type memJoinMember struct {
	messageID string
	counted   bool
}

// MemoryStore is the in-process reference implementation of Store, used by
// dispatcher/provider tests and the conformance memstore facade.
type MemoryStore struct {
	mu    sync.Mutex
	clock platformtime.Source
	seq   uint64

	rows    map[string]*memRow
	joins   map[string]*Join
	members map[string][]*memJoinMember // keyed by joinID
}

// NewMemoryStore builds a MemoryStore using clk as its time source.
func NewMemoryStore(clk platformtime.Source) *MemoryStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &MemoryStore{
		clock:   clk,
		rows:    make(map[string]*memRow),
		joins:   make(map[string]*Join),
		members: make(map[string][]*memJoinMember),
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, topic string, payload []byte, correlationID string, dueTime *time.Time) (string, error) {
	if topic == "" {
		return "", invalidArgument("topic must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	due := now
	if dueTime != nil {
		due = *dueTime
	}

	id := uuid.NewString()
	m.seq++
	m.rows[id] = &memRow{
		seq: m.seq,
		msg: Message{
			ID:            id,
			Topic:         topic,
			Payload:       payload,
			CorrelationID: correlationID,
			DueTime:       due,
			Status:        Ready,
		},
	}
	return id, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, batchSize int, leaseDuration time.Duration, owner ownertoken.Token) ([]*Message, error) {
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
		if r.msg.Status == Ready && !r.msg.DueTime.After(now) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].msg.DueTime.Equal(candidates[j].msg.DueTime) {
			return candidates[i].msg.DueTime.Before(candidates[j].msg.DueTime)
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*Message, 0, len(candidates))
	for _, r := range candidates {
		r.msg.Status = InProgress
		r.msg.OwnerToken = owner
		r.msg.LockedUntil = now.Add(leaseDuration)
		cp := r.msg
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkDispatched(_ context.Context, owner ownertoken.Token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.msg.Status != InProgress || r.msg.OwnerToken != owner {
		return nil
	}
	r.msg.Status = Acknowledged
	r.msg.OwnerToken = ""
	m.creditJoinsLocked(id, true)
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, owner ownertoken.Token, id string, delay time.Duration, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.msg.Status != InProgress || r.msg.OwnerToken != owner {
		return nil
	}
	r.msg.Status = Ready
	r.msg.DueTime = m.clock.Now().Add(delay)
	r.msg.RetryCount++
	r.msg.LastError = lastError
	r.msg.OwnerToken = ""
	r.msg.LockedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, owner ownertoken.Token, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.msg.Status != InProgress || r.msg.OwnerToken != owner {
		return nil
	}
	r.msg.Status = Failed
	r.msg.LastError = lastError
	r.msg.OwnerToken = ""
	m.creditJoinsLocked(id, false)
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
		if r.msg.Status == InProgress && r.msg.LockedUntil.Before(now) {
			r.msg.Status = Ready
			r.msg.OwnerToken = ""
			r.msg.LockedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateJoin(_ context.Context, tenantID string, expected int, onCompleteMetadata, onFailMetadata string) (string, error) {
	if expected < 0 {
		return "", invalidArgument("expected must be non-negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.joins[id] = &Join{
		ID:                 id,
		TenantID:           tenantID,
		Expected:           expected,
		Status:             JoinPending,
		OnCompleteMetadata: onCompleteMetadata,
		OnFailMetadata:     onFailMetadata,
	}
	return id, nil
}

func (m *MemoryStore) Attach(_ context.Context, joinID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.joins[joinID]; !ok {
		return invalidArgument("unknown join " + joinID)
	}
	for _, mem := range m.members[joinID] {
		if mem.messageID == messageID {
			return nil
		}
	}
	m.members[joinID] = append(m.members[joinID], &memJoinMember{messageID: messageID})
	return nil
}

func (m *MemoryStore) GetJoin(_ context.Context, joinID string) (*Join, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.joins[joinID]
	if !ok {
		return nil, invalidArgument("unknown join " + joinID)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FinalizeJoin(_ context.Context, joinID string, status JoinStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.joins[joinID]
	if !ok {
		return false, invalidArgument("unknown join " + joinID)
	}
	if j.Status != JoinPending || j.Completed+j.Failed != j.Expected {
		return false, nil
	}
	j.Status = status
	return true, nil
}

// creditJoinsLocked increments Completed (completed=true) or Failed for
// every join messageID is a member of, exactly once per member, matching
// spec §4.2.1's "exactly one counter increment per member" invariant. Must
// be called with m.mu held.
func (m *MemoryStore) creditJoinsLocked(messageID string, completed bool) {
	for joinID, mems := range m.members {
		for _, mem := range mems {
			if mem.messageID != messageID || mem.counted {
				continue
			}
			j, ok := m.joins[joinID]
			if !ok {
				continue
			}
			mem.counted = true
			if completed {
				j.Completed++
			} else {
				j.Failed++
			}
		}
	}
}
