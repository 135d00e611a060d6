package sideeffect

import (
	"context"
	"sync"
	"time"

	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
)

type key struct {
	operation string
	idemKey   string
}

// MemoryStore is the in-process reference implementation of Store.
type MemoryStore struct {
	mu    sync.Mutex
	clock platformtime.Source
	rows  map[key]*Record
}

// NewMemoryStore builds a MemoryStore using clk as its time source.
func NewMemoryStore(clk platformtime.Source) *MemoryStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &MemoryStore{clock: clk, rows: make(map[key]*Record)}
}

func (m *MemoryStore) LoadOrCreate(_ context.Context, operationName, idempotencyKey, correlationID, outboxMessageID, payloadHash string) (*Record, error) {
	if operationName == "" || idempotencyKey == "" {
		return nil, invalidArgument("operationName and idempotencyKey must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{operationName, idempotencyKey}
	if r, ok := m.rows[k]; ok {
		cp := *r
		return &cp, nil
	}

	r := &Record{
		OperationName:   operationName,
		IdempotencyKey:  idempotencyKey,
		Status:          Pending,
		CorrelationID:   correlationID,
		OutboxMessageID: outboxMessageID,
		PayloadHash:     payloadHash,
	}
	m.rows[k] = r
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) RecordCheck(_ context.Context, operationName, idempotencyKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return invalidArgument("unknown record")
	}
	r.LastCheckedAt = at
	return nil
}

func (m *MemoryStore) TryBeginAttempt(_ context.Context, operationName, idempotencyKey string, lockedBy ownertoken.Token, lockDuration time.Duration) (Outcome, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return Ready, nil, invalidArgument("unknown record")
	}

	now := m.clock.Now()
	switch r.Status {
	case Succeeded:
		return AlreadyCompleted, nil, nil
	case Failed:
		return PermanentFailure, nil, nil
	case InFlight:
		if r.LockedBy != lockedBy && r.LockedUntil.After(now) {
			return Locked, nil, nil
		}
	}

	if lockedBy.Empty() {
		lockedBy = ownertoken.Generate()
	}

	r.Status = InFlight
	r.AttemptCount++
	r.LockedUntil = now.Add(lockDuration)
	r.LockedBy = lockedBy

	cp := *r
	return Ready, &cp, nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, operationName, idempotencyKey, externalRefID, externalStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return invalidArgument("unknown record")
	}
	r.Status = Succeeded
	r.ExternalRefID = externalRefID
	r.ExternalStatus = externalStatus
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, operationName, idempotencyKey, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return invalidArgument("unknown record")
	}
	r.Status = Failed
	r.LastError = lastError
	return nil
}

func (m *MemoryStore) MarkPendingRetry(_ context.Context, operationName, idempotencyKey, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return invalidArgument("unknown record")
	}
	r.Status = Pending
	r.LastError = lastError
	r.LockedBy = ""
	r.LockedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, operationName, idempotencyKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key{operationName, idempotencyKey}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}
