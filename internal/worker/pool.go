package worker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobpool/internal/handler"
	"github.com/cuongbtq/jobpool/internal/storage"
)

// Pool defaults applied when the config leaves them zero.
const (
	DefaultMaxWorkers         = 10
	DefaultJobsPerWorker      = 10
	DefaultScaleInterval      = 30 * time.Second
	DefaultStaleCheckInterval = time.Minute
)

// PoolConfig holds pool manager configuration.
type PoolConfig struct {
	// Queues is the ordered queue list every spawned worker polls.
	Queues []string
	// MaxWorkers caps the pool size; the floor is always one worker.
	MaxWorkers int
	// JobsPerWorker is the scaling ratio: target = ceil(pending / JobsPerWorker).
	JobsPerWorker int
	// ScaleInterval is how often the control loop reads the pending count.
	ScaleInterval time.Duration
	// StaleCheckInterval is how often orphaned running jobs are reclaimed.
	StaleCheckInterval time.Duration
	// StaleThreshold is the silence period after which a running job is
	// considered orphaned. Zero disables reclamation.
	StaleThreshold time.Duration
	// AutoRestart replaces workers that exit on their own resource limits
	// and workers judged unhealthy.
	AutoRestart bool

	// Worker carries the per-worker settings applied to every spawn.
	Worker Config
}

// PoolStats aggregates per-worker counters into pool-wide totals.
type PoolStats struct {
	TotalWorkers      int           `json:"total_workers"`
	ActiveWorkers     int           `json:"active_workers"`
	TotalProcessed    int64         `json:"total_processed"`
	TotalSucceeded    int64         `json:"total_succeeded"`
	TotalFailed       int64         `json:"total_failed"`
	SuccessRate       float64       `json:"avg_success_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// poolEntry is the pool's handle on one spawned worker.
type poolEntry struct {
	worker   *Worker
	seq      int64
	draining bool
}

// Pool owns the authoritative set of worker handles: it starts, stops, and
// scales workers, judges their health from heartbeats, and aggregates their
// statistics. It holds no lock over the workers themselves, only handles it
// can signal.
type Pool struct {
	cfg      PoolConfig
	queue    storage.Queue
	registry *handler.Registry
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*poolEntry
	nextSeq int64
	stopped bool

	// Counters carried over from workers that already exited.
	retiredProcessed int64
	retiredSucceeded int64
	retiredFailed    int64
	retiredProcNanos int64

	wg sync.WaitGroup
}

// NewPool creates a pool manager. Workers are not started until StartWorkers
// or Run is called.
func NewPool(cfg PoolConfig, queue storage.Queue, registry *handler.Registry, logger *slog.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.JobsPerWorker <= 0 {
		cfg.JobsPerWorker = DefaultJobsPerWorker
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = DefaultScaleInterval
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		cfg.Worker.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if len(cfg.Worker.Queues) == 0 {
		cfg.Worker.Queues = cfg.Queues
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		queue:      queue,
		registry:   registry,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		workers:    make(map[string]*poolEntry),
	}
}

// StartWorkers spawns count workers bound to the given queues. An empty
// queues list falls back to the pool's configured queues.
func (p *Pool) StartWorkers(count int, queues []string) {
	if len(queues) == 0 {
		queues = p.cfg.Worker.Queues
	}

	for i := 0; i < count; i++ {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}

		cfg := p.cfg.Worker
		cfg.Queues = queues
		w := New(cfg, p.queue, p.registry, p.logger)

		p.nextSeq++
		p.workers[w.ID()] = &poolEntry{worker: w, seq: p.nextSeq}
		p.wg.Add(1)
		p.mu.Unlock()

		go p.supervise(w)
	}

	p.logger.Info("Workers started",
		slog.Int("count", count),
		slog.Any("queues", queues),
	)
}

// supervise runs one worker to completion, retires its counters, and spawns
// a replacement when the worker exited on its own and auto-restart is on.
func (p *Pool) supervise(w *Worker) {
	defer p.wg.Done()

	w.Run(p.baseCtx)

	final := w.Snapshot()

	p.mu.Lock()
	entry, known := p.workers[w.ID()]
	delete(p.workers, w.ID())
	p.retiredProcessed += final.Processed
	p.retiredSucceeded += final.Succeeded
	p.retiredFailed += final.Failed
	p.retiredProcNanos += int64(final.AvgProcessingTime) * final.Processed
	requested := !known || entry.draining
	replace := p.cfg.AutoRestart && !requested && !p.stopped
	p.mu.Unlock()

	if replace {
		p.logger.Info("Replacing self-terminated worker",
			slog.String("worker_id", w.ID()),
			slog.String("reason", w.StopReason()),
		)
		p.StartWorkers(1, w.Queues())
	}
}

// StopAll signals every worker to drain and blocks until all workers have
// stopped.
func (p *Pool) StopAll() {
	p.mu.Lock()
	p.stopped = true
	for _, entry := range p.workers {
		entry.draining = true
		entry.worker.Stop()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("All workers stopped")
}

// Abort cancels all workers immediately: in-flight jobs are released back to
// the queue instead of being finished.
func (p *Pool) Abort() {
	p.mu.Lock()
	p.stopped = true
	for _, entry := range p.workers {
		entry.draining = true
	}
	p.mu.Unlock()

	p.baseCancel()
	p.wg.Wait()
}

// ScaleTarget computes the desired worker count for a pending job count:
// clamp(1, MaxWorkers, ceil(pending / JobsPerWorker)).
func (p *Pool) ScaleTarget(pending int) int {
	target := int(math.Ceil(float64(pending) / float64(p.cfg.JobsPerWorker)))
	if target < 1 {
		target = 1
	}
	if target > p.cfg.MaxWorkers {
		target = p.cfg.MaxWorkers
	}
	return target
}

// ScaleWorkers adjusts the pool toward the target for the given pending job
// count. Scale-down drains the oldest workers first rather than aborting
// them mid-job.
func (p *Pool) ScaleWorkers(pending int) {
	target := p.ScaleTarget(pending)

	p.mu.Lock()
	current := 0
	for _, entry := range p.workers {
		if !entry.draining {
			current++
		}
	}

	switch {
	case target > current:
		p.mu.Unlock()
		p.logger.Info("Scaling up",
			slog.Int("pending_jobs", pending),
			slog.Int("current", current),
			slog.Int("target", target),
		)
		p.StartWorkers(target-current, nil)

	case target < current:
		excess := p.drainOldestLocked(current - target)
		p.mu.Unlock()
		p.logger.Info("Scaling down",
			slog.Int("pending_jobs", pending),
			slog.Int("current", current),
			slog.Int("target", target),
			slog.Int("draining", excess),
		)

	default:
		p.mu.Unlock()
	}
}

// drainOldestLocked signals up to n non-draining workers to drain, oldest
// first. Caller holds p.mu.
func (p *Pool) drainOldestLocked(n int) int {
	entries := make([]*poolEntry, 0, len(p.workers))
	for _, entry := range p.workers {
		if !entry.draining {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].seq < entries[b].seq
	})

	drained := 0
	for _, entry := range entries {
		if drained >= n {
			break
		}
		entry.draining = true
		entry.worker.Stop()
		drained++
	}
	return drained
}

// WorkerCount returns the number of workers the pool currently tracks.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Nudge wakes every worker's poll sleep; called when new work is known to
// have arrived.
func (p *Pool) Nudge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.workers {
		entry.worker.Nudge()
	}
}

// Stats aggregates live and retired worker counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		TotalWorkers:   len(p.workers),
		TotalProcessed: p.retiredProcessed,
		TotalSucceeded: p.retiredSucceeded,
		TotalFailed:    p.retiredFailed,
	}
	weightedNanos := p.retiredProcNanos

	for _, entry := range p.workers {
		snap := entry.worker.Snapshot()
		stats.TotalProcessed += snap.Processed
		stats.TotalSucceeded += snap.Succeeded
		stats.TotalFailed += snap.Failed
		weightedNanos += int64(snap.AvgProcessingTime) * snap.Processed
		if entry.worker.State() == StateExecuting || entry.worker.State() == StateFinalizing {
			stats.ActiveWorkers++
		}
	}

	if stats.TotalProcessed > 0 {
		stats.SuccessRate = float64(stats.TotalSucceeded) / float64(stats.TotalProcessed)
		stats.AvgProcessingTime = time.Duration(weightedNanos / stats.TotalProcessed)
	}
	return stats
}

// Run drives the control loop: periodic scaling against the pending count,
// heartbeat-based health checks, and stale-job reclamation. It blocks until
// ctx is cancelled, then drains all workers.
func (p *Pool) Run(ctx context.Context) {
	scaleTicker := time.NewTicker(p.cfg.ScaleInterval)
	defer scaleTicker.Stop()
	healthTicker := time.NewTicker(p.cfg.Worker.HeartbeatInterval)
	defer healthTicker.Stop()
	staleTicker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer staleTicker.Stop()

	p.logger.Info("Pool manager started",
		slog.Int("max_workers", p.cfg.MaxWorkers),
		slog.Int("jobs_per_worker", p.cfg.JobsPerWorker),
		slog.Duration("scale_interval", p.cfg.ScaleInterval),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pool manager stopping")
			p.StopAll()
			return

		case <-scaleTicker.C:
			pending, err := p.queue.PendingCount(ctx, p.cfg.Worker.Queues)
			if err != nil {
				p.logger.Error("Failed to read pending job count",
					slog.String("error", err.Error()),
				)
				continue
			}
			p.ScaleWorkers(pending)

		case <-healthTicker.C:
			p.checkHealth(ctx)

		case <-staleTicker.C:
			if p.cfg.StaleThreshold <= 0 {
				continue
			}
			if _, err := p.queue.ReclaimStale(ctx, p.cfg.StaleThreshold); err != nil {
				p.logger.Error("Failed to reclaim stale jobs",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// checkHealth judges workers by their persisted heartbeats. A worker is
// unhealthy when its heartbeat is older than twice the heartbeat interval or
// its reported memory exceeds the configured limit. Unhealthy workers are
// never killed; they are logged, excluded from counts, and, with auto-restart
// on, replaced while they self-terminate via their own resource checks.
func (p *Pool) checkHealth(ctx context.Context) {
	records, err := p.queue.ListHeartbeats(ctx)
	if err != nil {
		p.logger.Error("Failed to list worker heartbeats",
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now()
	maxSilence := 2 * p.cfg.Worker.HeartbeatInterval

	for _, rec := range records {
		silence := now.Sub(time.Unix(rec.Timestamp, 0))
		overMemory := p.cfg.Worker.MaxMemory > 0 && rec.MemoryUsage > p.cfg.Worker.MaxMemory
		if silence <= maxSilence && !overMemory {
			continue
		}

		p.logger.Warn("Worker judged unhealthy",
			slog.String("worker_id", rec.WorkerID),
			slog.Duration("heartbeat_age", silence),
			slog.Uint64("memory_usage", rec.MemoryUsage),
		)

		p.mu.Lock()
		entry, known := p.workers[rec.WorkerID]
		replace := p.cfg.AutoRestart && known && !entry.draining && !p.stopped
		if replace {
			// Excluded from routing decisions; the worker itself keeps its
			// drain semantics and exits via its own resource checks.
			entry.draining = true
		}
		p.mu.Unlock()

		if replace {
			p.StartWorkers(1, rec.Queues)
		}
	}
}
