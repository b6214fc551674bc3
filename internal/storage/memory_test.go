package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobpool/internal/job"
)

func TestMemory_EnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	id, err := mem.Enqueue(ctx, "default", "send_email", json.RawMessage(`{"to":"a@b.c"}`), EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)
	assert.Equal(t, job.StatusRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.OwnerWorkerID)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, 5, claimed.MaxAttempts)

	// Nothing else to claim.
	next, err := mem.ClaimNext(ctx, "worker-2", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMemory_ClaimRespectsScheduledAt(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	_, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, claimed, "delayed job must not be claimable before scheduled_at")

	count, err := mem.PendingCount(ctx, []string{"default"})
	require.NoError(t, err)
	assert.Zero(t, count, "delayed job must not count as pending")
}

func TestMemory_ClaimQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	lowID, err := mem.Enqueue(ctx, "low", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)
	highID, err := mem.Enqueue(ctx, "high", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)

	// The high queue was enqueued later but comes first in list order.
	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"high", "low"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, highID, claimed.ID)

	claimed, err = mem.ClaimNext(ctx, "worker-1", []string{"high", "low"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, lowID, claimed.ID)
}

func TestMemory_ClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	first, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.ID)
}

func TestMemory_ConcurrentClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	id, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)

	const claimers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			j, err := mem.ClaimNext(ctx, "worker", []string{"default"})
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				winners = append(winners, j.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one concurrent claimer must win")
	assert.Equal(t, id, winners[0])
}

func TestMemory_UpdateTerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	id, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.MarkCompleted(json.RawMessage(`{"ok":true}`), time.Now())
	require.NoError(t, mem.Update(ctx, claimed))

	// Same terminal update again: no error, state unchanged.
	require.NoError(t, mem.Update(ctx, claimed))

	stored, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)

	// A different transition out of terminal is rejected.
	claimed.Status = job.StatusPending
	assert.Error(t, mem.Update(ctx, claimed))

	stored, err = mem.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

func TestMemory_UpdateUnknownJob(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	err := mem.Update(ctx, &job.Job{ID: "missing", Status: job.StatusCompleted})
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	_, err = mem.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestMemory_RetryScheduledBecomesClaimable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	now := time.Now()
	current := now
	mem.SetClock(func() time.Time { return current })

	id, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := mem.ClaimNext(ctx, "worker-1", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.ScheduleRetry("smtp unreachable", 10*time.Second, current)
	require.NoError(t, mem.Update(ctx, claimed))

	// Not claimable until the backoff elapses.
	j, err := mem.ClaimNext(ctx, "worker-2", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, j)

	current = now.Add(11 * time.Second)
	j, err = mem.ClaimNext(ctx, "worker-2", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, 2, j.Attempts)
}

func TestMemory_Heartbeats(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	rec := HealthRecord{
		WorkerID:      "worker-1",
		Timestamp:     time.Now().Unix(),
		MemoryUsage:   1 << 20,
		JobsProcessed: 7,
		CurrentJobID:  "job-9",
		Queues:        []string{"default"},
	}
	require.NoError(t, mem.SaveHeartbeat(ctx, rec))

	// Upsert refreshes in place.
	rec.JobsProcessed = 8
	require.NoError(t, mem.SaveHeartbeat(ctx, rec))

	records, err := mem.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 8, records[0].JobsProcessed)

	require.NoError(t, mem.DeleteHeartbeat(ctx, "worker-1"))
	records, err = mem.ListHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemory_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	now := time.Now()
	current := now
	mem.SetClock(func() time.Time { return current })

	id, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = mem.ClaimNext(ctx, "worker-dead", []string{"default"})
	require.NoError(t, err)

	// A job claimed by a live worker stays untouched.
	liveID, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = mem.ClaimNext(ctx, "worker-live", []string{"default"})
	require.NoError(t, err)

	current = now.Add(5 * time.Minute)
	require.NoError(t, mem.SaveHeartbeat(ctx, HealthRecord{
		WorkerID:  "worker-live",
		Timestamp: current.Unix(),
	}))

	n, err := mem.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, reclaimed.Status)
	assert.Empty(t, reclaimed.OwnerWorkerID)

	live, err := mem.GetJob(ctx, liveID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, live.Status)
	assert.Equal(t, "worker-live", live.OwnerWorkerID)
}

func TestMemory_ListJobs(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	now := time.Now()
	var ids []string
	for i := 0; i < 4; i++ {
		ts := now.Add(time.Duration(i) * time.Second)
		mem.SetClock(func() time.Time { return ts })
		queue := "default"
		if i%2 == 1 {
			queue = "critical"
		}
		id, err := mem.Enqueue(ctx, queue, "send_email", json.RawMessage(`{}`), EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	t.Run("newest first", func(t *testing.T) {
		jobs, err := mem.ListJobs(ctx, JobFilter{PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		assert.Equal(t, ids[3], jobs[0].ID)
		assert.Equal(t, ids[0], jobs[3].ID)
	})

	t.Run("queue filter", func(t *testing.T) {
		jobs, err := mem.ListJobs(ctx, JobFilter{Queue: "critical", PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		for _, j := range jobs {
			assert.Equal(t, "critical", j.Queue)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		mem.SetClock(func() time.Time { return now.Add(time.Minute) })
		claimed, err := mem.ClaimNext(ctx, "w1", []string{"default"})
		require.NoError(t, err)
		require.NotNil(t, claimed)

		jobs, err := mem.ListJobs(ctx, JobFilter{Status: job.StatusRunning, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, claimed.ID, jobs[0].ID)
	})

	t.Run("cursor pages without overlap", func(t *testing.T) {
		page1, err := mem.ListJobs(ctx, JobFilter{PageSize: 3})
		require.NoError(t, err)
		// One extra row signals another page.
		require.Len(t, page1, 4)
		page1 = page1[:3]

		cursor := &JobCursor{CreatedAt: page1[2].CreatedAt, JobID: page1[2].ID}
		page2, err := mem.ListJobs(ctx, JobFilter{PageSize: 3, Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page2, 1)

		seen := map[string]bool{}
		for _, j := range append(page1, page2...) {
			assert.False(t, seen[j.ID])
			seen[j.ID] = true
		}
	})
}

func TestMemory_ReclaimStaleExhaustedAttemptsFailPermanently(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	now := time.Now()
	current := now
	mem.SetClock(func() time.Time { return current })

	id, err := mem.Enqueue(ctx, "default", "send_email", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	claimed, err := mem.ClaimNext(ctx, "worker-dead", []string{"default"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 1, claimed.Attempts)

	current = now.Add(5 * time.Minute)
	n, err := mem.ReclaimStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The attempt budget is spent, so the expired lease is a permanent
	// failure rather than another trip through the queue.
	j, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Empty(t, j.OwnerWorkerID)
	assert.NotNil(t, j.CompletedAt)

	again, err := mem.ClaimNext(ctx, "worker-2", []string{"default"})
	require.NoError(t, err)
	assert.Nil(t, again, "an exhausted job must never be claimed again")
}
