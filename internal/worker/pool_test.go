package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobpool/internal/handler"
	"github.com/cuongbtq/jobpool/internal/job"
	"github.com/cuongbtq/jobpool/internal/storage"
)

func fastPoolConfig(queues ...string) PoolConfig {
	return PoolConfig{
		Queues:        queues,
		MaxWorkers:    5,
		JobsPerWorker: 10,
		Worker: Config{
			Queues:            queues,
			PollInterval:      5 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
		},
	}
}

func TestPool_ScaleTarget(t *testing.T) {
	pool := NewPool(fastPoolConfig("default"), storage.NewMemory(), handler.NewRegistry(), testLogger())

	tests := []struct {
		name    string
		pending int
		want    int
	}{
		{name: "zero pending floors at one", pending: 0, want: 1},
		{name: "partial worker rounds up", pending: 5, want: 1},
		{name: "exact boundary", pending: 10, want: 1},
		{name: "twenty five pending", pending: 25, want: 3},
		{name: "clamped at max", pending: 60, want: 5},
		{name: "far past max", pending: 10000, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pool.ScaleTarget(tt.pending))
		})
	}
}

func TestPool_StartStopWorkers(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	registry := handler.NewRegistry()
	registry.Register("quick", handler.New(
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	))

	pool := NewPool(fastPoolConfig("default"), mem, registry, testLogger())
	pool.StartWorkers(3, nil)
	assert.Equal(t, 3, pool.WorkerCount())

	var ids []string
	for i := 0; i < 12; i++ {
		id, err := mem.Enqueue(ctx, "default", "quick", nil, storage.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	pool.Nudge()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := mem.GetJob(ctx, id)
			if err != nil || j.Status != job.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	pool.StopAll()
	assert.Equal(t, 0, pool.WorkerCount())

	// Retired worker counters survive in the aggregate.
	stats := pool.Stats()
	assert.Equal(t, int64(12), stats.TotalProcessed)
	assert.Equal(t, int64(12), stats.TotalSucceeded)
	assert.Zero(t, stats.TotalFailed)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Greater(t, stats.AvgProcessingTime, time.Duration(0))
}

func TestPool_ScaleDownDrainsOldestFirst(t *testing.T) {
	mem := storage.NewMemory()
	pool := NewPool(fastPoolConfig("default"), mem, handler.NewRegistry(), testLogger())
	defer pool.StopAll()

	pool.StartWorkers(1, nil)
	time.Sleep(5 * time.Millisecond)
	pool.StartWorkers(2, nil)
	require.Equal(t, 3, pool.WorkerCount())

	pool.mu.Lock()
	var oldestID string
	oldestSeq := int64(1 << 62)
	for id, entry := range pool.workers {
		if entry.seq < oldestSeq {
			oldestSeq = entry.seq
			oldestID = id
		}
	}
	pool.mu.Unlock()

	// Pending 15 with jobs_per_worker 10 targets 2 workers: one drains.
	pool.ScaleWorkers(15)

	require.Eventually(t, func() bool {
		return pool.WorkerCount() == 2
	}, 5*time.Second, 5*time.Millisecond)

	pool.mu.Lock()
	_, oldestStillThere := pool.workers[oldestID]
	pool.mu.Unlock()
	assert.False(t, oldestStillThere, "scale-down must drain the oldest worker first")
}

func TestPool_ScaleUpFromPending(t *testing.T) {
	mem := storage.NewMemory()
	pool := NewPool(fastPoolConfig("default"), mem, handler.NewRegistry(), testLogger())
	defer pool.StopAll()

	pool.ScaleWorkers(0)
	assert.Equal(t, 1, pool.WorkerCount(), "floor is one worker")

	pool.ScaleWorkers(25)
	assert.Equal(t, 3, pool.WorkerCount())

	pool.ScaleWorkers(60)
	assert.Equal(t, 5, pool.WorkerCount(), "clamped at max_workers")
}

func TestPool_AutoRestartReplacesSelfTerminatedWorker(t *testing.T) {
	mem := storage.NewMemory()

	cfg := fastPoolConfig("default")
	cfg.AutoRestart = true
	cfg.Worker.MaxLifetime = 20 * time.Millisecond

	pool := NewPool(cfg, mem, handler.NewRegistry(), testLogger())
	defer pool.StopAll()

	pool.StartWorkers(1, nil)
	firstID := func() string {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		for id := range pool.workers {
			return id
		}
		return ""
	}()
	require.NotEmpty(t, firstID)

	// The worker hits its lifetime limit and is replaced by a fresh one.
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		if len(pool.workers) != 1 {
			return false
		}
		for id := range pool.workers {
			return id != firstID
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPool_StatsAggregatesAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	registry := handler.NewRegistry()
	registry.Register("quick", handler.New(
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	))
	registry.Register("broken", handler.New(
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("permanent breakage")
		},
	))

	pool := NewPool(fastPoolConfig("default"), mem, registry, testLogger())
	pool.StartWorkers(2, nil)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := mem.Enqueue(ctx, "default", "quick", nil, storage.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	failedID, err := mem.Enqueue(ctx, "default", "broken", nil, storage.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	ids = append(ids, failedID)
	pool.Nudge()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := mem.GetJob(ctx, id)
			if err != nil || !j.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	pool.StopAll()

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.TotalProcessed)
	assert.Equal(t, int64(4), stats.TotalSucceeded)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.InDelta(t, 0.8, stats.SuccessRate, 0.001)
}
