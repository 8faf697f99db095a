package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/yungbote/scholarcast-backend/internal/domain/video"
)

// Memory is the reference Store: a single mutex over cloned rows. It backs
// unit tests and the dev profile, and the gorm store must behave exactly
// like it. The clock is injected so lease expiry and backoff timing are
// testable without sleeping.
type Memory struct {
	mu     sync.Mutex
	clock  clock.Clock
	jobs   map[uuid.UUID]*video.Job
	events map[uuid.UUID][]*video.JobEvent
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:  clk,
		jobs:   make(map[uuid.UUID]*video.Job),
		events: make(map[uuid.UUID][]*video.JobEvent),
	}
}

func (m *Memory) now() time.Time { return m.clock.Now().UTC() }

func (m *Memory) Create(ctx context.Context, job *video.Job, events ...*video.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		return fmt.Errorf("create job: missing id")
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	now := m.now()
	cp := job.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[job.ID] = cp
	for _, ev := range events {
		ec := ev.Clone()
		if ec.CreatedAt.IsZero() {
			ec.CreatedAt = now
		}
		m.events[job.ID] = append(m.events[job.ID], ec)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f ListFilter) ([]*video.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*video.Job
	for _, job := range m.jobs {
		if len(f.States) > 0 && !containsState(f.States, job.State) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsState(states []video.JobState, s video.JobState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func (m *Memory) ClaimReady(ctx context.Context, req ClaimRequest) ([]*video.Job, error) {
	if req.Limit <= 0 || req.LeaseOwner == "" || req.LeaseTTL <= 0 {
		return nil, fmt.Errorf("claim: limit, lease owner and ttl are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var candidates []*video.Job
	for _, job := range m.jobs {
		if !claimable(job, req.ResourceClass, now) {
			continue
		}
		candidates = append(candidates, job)
	}
	// FIFO within the class: oldest updated_at first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	var claimed []*video.Job
	for _, job := range candidates {
		next := job.Clone()
		ev, err := claimStage(next, req.LeaseOwner, req.LeaseTTL, now)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return nil, err
		}
		next.UpdatedAt = bumpUpdatedAt(m.clock, job.UpdatedAt)
		m.jobs[next.ID] = next
		m.events[next.ID] = append(m.events[next.ID], ev)
		claimed = append(claimed, next.Clone())
	}
	return claimed, nil
}

func claimable(job *video.Job, class string, now time.Time) bool {
	if job.State != video.JobQueued && job.State != video.JobRunning {
		return false
	}
	if job.NextStage == "" {
		return false
	}
	if class != "" && job.NextResourceClass != class {
		return false
	}
	if job.ReadyAt != nil && job.ReadyAt.After(now) {
		return false
	}
	if job.LeaseOwner != "" && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
		return false
	}
	return true
}

func (m *Memory) Update(ctx context.Context, job *video.Job, expectedUpdatedAt time.Time, events ...*video.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", job.ID, ErrNotFound)
	}
	if !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return fmt.Errorf("update job %s: %w", job.ID, ErrConflict)
	}
	next := job.Clone()
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = bumpUpdatedAt(m.clock, stored.UpdatedAt)
	m.jobs[job.ID] = next
	for _, ev := range events {
		cp := ev.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = m.now()
		}
		m.events[job.ID] = append(m.events[job.ID], cp)
	}
	job.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *Memory) ExtendLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("extend lease %s: %w", id, ErrNotFound)
	}
	if job.State != video.JobRunning || job.LeaseOwner != owner {
		return fmt.Errorf("extend lease %s: %w", id, ErrConflict)
	}
	exp := m.now().Add(ttl)
	job.LeaseExpiresAt = &exp
	// updated_at stays put: heartbeats must not invalidate the executor's
	// CAS token.
	return nil
}

func (m *Memory) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("release lease %s: %w", id, ErrNotFound)
	}
	if job.LeaseOwner != owner {
		return fmt.Errorf("release lease %s: %w", id, ErrConflict)
	}
	next := job.Clone()
	ev, err := releaseStage(next, m.now())
	if err != nil {
		return err
	}
	next.UpdatedAt = bumpUpdatedAt(m.clock, job.UpdatedAt)
	m.jobs[id] = next
	if ev != nil {
		m.events[id] = append(m.events[id], ev)
	}
	return nil
}

func (m *Memory) ReapExpiredLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	reaped := 0
	for id, job := range m.jobs {
		if job.State != video.JobRunning || job.LeaseOwner == "" {
			continue
		}
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		next := job.Clone()
		ev, err := reapStage(next, now)
		if err != nil {
			return reaped, err
		}
		next.UpdatedAt = bumpUpdatedAt(m.clock, job.UpdatedAt)
		m.jobs[id] = next
		if ev != nil {
			m.events[id] = append(m.events[id], ev)
		}
		reaped++
	}
	return reaped, nil
}

func (m *Memory) RequestCancel(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	return m.requestFlag(id, flagCancel)
}

func (m *Memory) RequestPause(ctx context.Context, id uuid.UUID) (*video.Job, error) {
	return m.requestFlag(id, flagPause)
}

func (m *Memory) requestFlag(id uuid.UUID, flag jobFlag) (*video.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("flag job %s: %w", id, ErrNotFound)
	}
	next := job.Clone()
	ev, changed, err := flagJob(next, flag, m.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return job.Clone(), nil
	}
	next.UpdatedAt = bumpUpdatedAt(m.clock, job.UpdatedAt)
	m.jobs[id] = next
	m.events[id] = append(m.events[id], ev)
	return next.Clone(), nil
}

func (m *Memory) ListEvents(ctx context.Context, jobID uuid.UUID, afterSeq int64) ([]*video.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, fmt.Errorf("list events %s: %w", jobID, ErrNotFound)
	}
	var out []*video.JobEvent
	for _, ev := range m.events[jobID] {
		if ev.Seq > afterSeq {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}
