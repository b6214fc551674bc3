package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobpool/internal/job"
)

// Memory is an in-process Queue backend. All operations run under a single
// mutex, which gives ClaimNext the same indivisibility the Postgres backend
// gets from row locking. Used by tests and by the worker service when no
// database is configured.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*job.Job
	heartbeats map[string]HealthRecord
	seq        map[string]int64
	nextSeq    int64
	now        func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*job.Job),
		heartbeats: make(map[string]HealthRecord),
		seq:        make(map[string]int64),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Enqueue(ctx context.Context, queue, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := m.now()
	j := &job.Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Type:        jobType,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      job.StatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: now.Add(opts.Delay),
		CreatedAt:   now,
	}

	m.jobs[j.ID] = j
	m.nextSeq++
	m.seq[j.ID] = m.nextSeq

	return j.ID, nil
}

func (m *Memory) ClaimNext(ctx context.Context, workerID string, queues []string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, queue := range queues {
		var eligible []*job.Job
		for _, j := range m.jobs {
			if j.Queue == queue && j.Claimable(now) {
				eligible = append(eligible, j)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		// Oldest eligible job wins: earliest scheduled_at, then enqueue order.
		sort.Slice(eligible, func(a, b int) bool {
			if !eligible[a].ScheduledAt.Equal(eligible[b].ScheduledAt) {
				return eligible[a].ScheduledAt.Before(eligible[b].ScheduledAt)
			}
			return m.seq[eligible[a].ID] < m.seq[eligible[b].ID]
		})

		claimed := eligible[0]
		claimed.MarkRunning(workerID, now)
		return copyJob(claimed), nil
	}

	return nil, nil
}

func (m *Memory) Update(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", j.ID, job.ErrJobNotFound)
	}

	// Terminal states never transition; re-applying the same terminal update
	// is a no-op rather than an error.
	if stored.IsTerminal() {
		if stored.Status == j.Status {
			return nil
		}
		return fmt.Errorf("update job %s: job is %s and cannot transition to %s", j.ID, stored.Status, j.Status)
	}

	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, job.ErrJobNotFound)
	}
	return copyJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	var matched []*job.Job
	for _, j := range m.jobs {
		if filter.Queue != "" && j.Queue != filter.Queue {
			continue
		}
		if filter.JobType != "" && j.Type != filter.JobType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j)
	}

	// Newest first, job ID breaks ties to keep page boundaries stable.
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	results := make([]*job.Job, 0, pageSize+1)
	for _, j := range matched {
		if filter.Cursor != nil {
			after := filter.Cursor
			if j.CreatedAt.After(after.CreatedAt) {
				continue
			}
			if j.CreatedAt.Equal(after.CreatedAt) && j.ID >= after.JobID {
				continue
			}
		}
		results = append(results, copyJob(j))
		if len(results) > pageSize {
			break
		}
	}
	return results, nil
}

func (m *Memory) PendingCount(ctx context.Context, queues []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, j := range m.jobs {
		if !j.Claimable(now) {
			continue
		}
		for _, queue := range queues {
			if j.Queue == queue {
				count++
				break
			}
		}
	}
	return count, nil
}

func (m *Memory) SaveHeartbeat(ctx context.Context, rec HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeats[rec.WorkerID] = rec
	return nil
}

func (m *Memory) DeleteHeartbeat(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.heartbeats, workerID)
	return nil
}

func (m *Memory) ListHeartbeats(ctx context.Context) ([]HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]HealthRecord, 0, len(m.heartbeats))
	for _, rec := range m.heartbeats {
		records = append(records, rec)
	}
	sort.Slice(records, func(a, b int) bool {
		return records[a].WorkerID < records[b].WorkerID
	})
	return records, nil
}

func (m *Memory) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)

	reclaimed := 0
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		if j.StartedAt != nil && j.StartedAt.After(cutoff) {
			continue
		}
		if rec, ok := m.heartbeats[j.OwnerWorkerID]; ok && time.Unix(rec.Timestamp, 0).After(cutoff) {
			continue
		}

		// A reclaimed job keeps its attempt count; one that already spent its
		// budget fails instead of re-entering the queue.
		if j.Attempts >= j.MaxAttempts {
			j.MarkFailed("lease expired with attempts exhausted", now)
		} else {
			j.Status = job.StatusPending
			j.OwnerWorkerID = ""
			j.ScheduledAt = now
		}
		reclaimed++
	}
	return reclaimed, nil
}

func copyJob(j *job.Job) *job.Job {
	dup := *j
	dup.Payload = append(json.RawMessage(nil), j.Payload...)
	dup.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		dup.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
