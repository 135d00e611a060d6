package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/incursa/platform-sub008/lease"
	"github.com/incursa/platform-sub008/ownertoken"
	"github.com/incursa/platform-sub008/platformtime"
	"github.com/incursa/platform-sub008/scheduler/cronx"
)

type memTimer struct {
	t   Timer
	seq uint64
}

type memRun struct {
	r   JobRun
	seq uint64
}

// MemoryStore is the in-process reference implementation of Store.
type MemoryStore struct {
	mu    sync.Mutex
	clock platformtime.Source
	seq   uint64

	timers  map[string]*memTimer
	jobs    map[string]*Job // keyed by ID
	jobsByName map[string]string
	runs    map[string]*memRun

	currentFencingToken int64
}

// NewMemoryStore builds a MemoryStore using clk as its time source.
func NewMemoryStore(clk platformtime.Source) *MemoryStore {
	if clk == nil {
		clk = platformtime.WallClock
	}
	return &MemoryStore{
		clock:      clk,
		timers:     make(map[string]*memTimer),
		jobs:       make(map[string]*Job),
		jobsByName: make(map[string]string),
		runs:       make(map[string]*memRun),
	}
}

func (m *MemoryStore) ScheduleTimer(_ context.Context, topic string, payload []byte, dueTime time.Time) (string, error) {
	if topic == "" {
		return "", invalidArgument("topic must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := uuid.NewString()
	m.timers[id] = &memTimer{
		seq: m.seq,
		t:   Timer{ID: id, Topic: topic, Payload: payload, DueTime: dueTime, Status: Pending},
	}
	return id, nil
}

func (m *MemoryStore) CancelTimer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, id)
	return nil
}

func (m *MemoryStore) CreateOrUpdateJob(_ context.Context, name, topic, cronSchedule string, payload []byte) error {
	if name == "" {
		return invalidArgument("name must not be empty")
	}
	if err := cronx.Validate(cronSchedule); err != nil {
		return invalidArgument("invalid cron schedule: " + err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if id, ok := m.jobsByName[name]; ok {
		j := m.jobs[id]
		j.Topic = topic
		j.CronSchedule = cronSchedule
		j.Payload = payload
		return nil
	}

	next, err := cronx.Next(cronSchedule, now)
	if err != nil {
		return invalidArgument("invalid cron schedule: " + err.Error())
	}
	id := uuid.NewString()
	m.jobs[id] = &Job{ID: id, Name: name, Topic: topic, Payload: payload, CronSchedule: cronSchedule, NextDueTime: next}
	m.jobsByName[name] = id
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.jobsByName[name]
	if !ok {
		return nil
	}
	delete(m.jobs, id)
	delete(m.jobsByName, name)
	for runID, r := range m.runs {
		if r.r.JobID == id && r.r.Status == Pending {
			delete(m.runs, runID)
		}
	}
	return nil
}

func (m *MemoryStore) TriggerJob(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.jobsByName[name]
	if !ok {
		return "", invalidArgument("unknown job " + name)
	}
	return m.materializeRunLocked(id, m.clock.Now()), nil
}

func (m *MemoryStore) materializeRunLocked(jobID string, scheduledTime time.Time) string {
	m.seq++
	runID := uuid.NewString()
	m.runs[runID] = &memRun{
		seq: m.seq,
		r:   JobRun{ID: runID, JobID: jobID, ScheduledTime: scheduledTime, Status: Pending},
	}
	return runID
}

func (m *MemoryStore) CreateJobRunsFromDueJobs(_ context.Context, l *lease.Lease) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fencingGateLocked(l); err != nil {
		return 0, err
	}

	now := m.clock.Now()
	n := 0
	for _, j := range m.jobs {
		if j.NextDueTime.After(now) {
			continue
		}
		m.materializeRunLocked(j.ID, now)
		next, err := cronx.Next(j.CronSchedule, now)
		if err != nil {
			continue
		}
		j.NextDueTime = next
		n++
	}
	return n, nil
}

func (m *MemoryStore) fencingGateLocked(l *lease.Lease) error {
	if l == nil {
		return invalidArgument("lease must not be nil")
	}
	if !l.ExpiresAt.After(m.clock.Now()) {
		return leaseLost("lease expired")
	}
	if m.currentFencingToken != 0 && l.FencingToken < m.currentFencingToken {
		return leaseLost("fencing token behind persisted scheduler state")
	}
	return nil
}

func (m *MemoryStore) ClaimDueTimers(_ context.Context, l *lease.Lease, batchSize int) ([]*Timer, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fencingGateLocked(l); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var candidates []*memTimer
	for _, t := range m.timers {
		if t.t.Status == Pending && !t.t.DueTime.After(now) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].t.DueTime.Equal(candidates[j].t.DueTime) {
			return candidates[i].t.DueTime.Before(candidates[j].t.DueTime)
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*Timer, 0, len(candidates))
	for _, t := range candidates {
		t.t.Status = Claimed
		t.t.OwnerToken = l.OwnerToken
		t.t.LockedUntil = l.ExpiresAt
		cp := t.t
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) ClaimDueJobRuns(_ context.Context, l *lease.Lease, batchSize int) ([]*JobRun, error) {
	if batchSize <= 0 {
		return nil, invalidArgument("batchSize must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fencingGateLocked(l); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var candidates []*memRun
	for _, r := range m.runs {
		if r.r.Status == Pending && !r.r.ScheduledTime.After(now) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].r.ScheduledTime.Equal(candidates[j].r.ScheduledTime) {
			return candidates[i].r.ScheduledTime.Before(candidates[j].r.ScheduledTime)
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	claimed := make([]*JobRun, 0, len(candidates))
	for _, r := range candidates {
		r.r.Status = Claimed
		r.r.OwnerToken = l.OwnerToken
		r.r.LockedUntil = l.ExpiresAt
		if j, ok := m.jobs[r.r.JobID]; ok {
			r.r.Topic = j.Topic
			r.r.Payload = j.Payload
		}
		cp := r.r
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) AckTimer(_ context.Context, owner ownertoken.Token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || t.t.Status != Claimed || t.t.OwnerToken != owner {
		return nil
	}
	t.t.Status = Acknowledged
	return nil
}

func (m *MemoryStore) AbandonTimer(_ context.Context, owner ownertoken.Token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || t.t.Status != Claimed || t.t.OwnerToken != owner {
		return nil
	}
	t.t.Status = Pending
	t.t.OwnerToken = ""
	t.t.LockedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) AckJobRun(_ context.Context, owner ownertoken.Token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.r.Status != Claimed || r.r.OwnerToken != owner {
		return nil
	}
	r.r.Status = Acknowledged
	return nil
}

func (m *MemoryStore) AbandonJobRun(_ context.Context, owner ownertoken.Token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.r.Status != Claimed || r.r.OwnerToken != owner {
		return nil
	}
	r.r.Status = Pending
	r.r.OwnerToken = ""
	r.r.LockedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) ReapExpiredTimers(_ context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, t := range m.timers {
		if n >= batchSize {
			break
		}
		if t.t.Status == Claimed && t.t.LockedUntil.Before(now) {
			t.t.Status = Pending
			t.t.OwnerToken = ""
			t.t.LockedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReapExpiredJobRuns(_ context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, invalidArgument("batchSize must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, r := range m.runs {
		if n >= batchSize {
			break
		}
		if r.r.Status == Claimed && r.r.LockedUntil.Before(now) {
			r.r.Status = Pending
			r.r.OwnerToken = ""
			r.r.LockedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetNextEventTime(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var min *time.Time
	consider := func(t time.Time) {
		if min == nil || t.Before(*min) {
			cp := t
			min = &cp
		}
	}
	for _, t := range m.timers {
		if t.t.Status == Pending {
			consider(t.t.DueTime)
		}
	}
	for _, r := range m.runs {
		if r.r.Status == Pending {
			consider(r.r.ScheduledTime)
		}
	}
	for _, j := range m.jobs {
		consider(j.NextDueTime)
	}
	return min, nil
}

func (m *MemoryStore) UpdateSchedulerState(_ context.Context, fencingToken int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentFencingToken = fencingToken
	return nil
}
