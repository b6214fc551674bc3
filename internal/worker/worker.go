package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobpool/internal/handler"
	"github.com/cuongbtq/jobpool/internal/job"
	"github.com/cuongbtq/jobpool/internal/storage"
)

// State is the worker lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateFinalizing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateFinalizing:
		return "finalizing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Default loop intervals applied when the config leaves them zero.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	finalizeTimeout          = 10 * time.Second
)

// Config holds per-worker configuration.
type Config struct {
	// Queues is the ordered list of queues to poll; earlier entries win.
	Queues []string
	// PollInterval is the sleep between empty claim attempts.
	PollInterval time.Duration
	// HeartbeatInterval bounds how often the worker persists a heartbeat.
	HeartbeatInterval time.Duration
	// MaxMemory, when non-zero, makes the worker exit once process heap
	// usage exceeds it, so the pool can replace it with a fresh one.
	MaxMemory uint64
	// MaxLifetime, when non-zero, bounds cumulative worker uptime the same way.
	MaxLifetime time.Duration
}

// Stats is a snapshot of a worker's processing counters.
type Stats struct {
	Processed         int64
	Succeeded         int64
	Failed            int64
	AvgProcessingTime time.Duration
}

// Worker claims and executes one job at a time from its configured queues.
// It owns no state shared with other workers; claim exclusivity comes from
// the storage contract.
type Worker struct {
	id       string
	cfg      Config
	queue    storage.Queue
	registry *handler.Registry
	logger   *slog.Logger

	state      atomic.Int32
	drainChan  chan struct{}
	nudgeChan  chan struct{}
	doneChan   chan struct{}
	stopReason atomic.Value

	startedAt     time.Time
	lastHeartbeat atomic.Int64

	currentJob atomic.Value
	processed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	procNanos  atomic.Int64
}

// New creates a worker bound to the given queues. Run must be called to
// start the loop.
func New(cfg Config, queue storage.Queue, registry *handler.Registry, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	id := uuid.New().String()
	w := &Worker{
		id:        id,
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		logger:    logger.With(slog.String("worker_id", id)),
		drainChan: make(chan struct{}),
		nudgeChan: make(chan struct{}, 1),
		doneChan:  make(chan struct{}),
	}
	w.currentJob.Store("")
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Queues returns the queues this worker polls.
func (w *Worker) Queues() []string {
	return w.cfg.Queues
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stop requests a drain: the worker finishes any in-flight job, persists its
// outcome, and exits. Safe to call more than once.
func (w *Worker) Stop() {
	select {
	case <-w.drainChan:
	default:
		close(w.drainChan)
	}
}

// Done is closed once the worker has reached the stopped state.
func (w *Worker) Done() <-chan struct{} {
	return w.doneChan
}

// Nudge wakes the worker from its poll sleep so a freshly enqueued job is
// claimed without waiting out the interval. Never blocks.
func (w *Worker) Nudge() {
	select {
	case w.nudgeChan <- struct{}{}:
	default:
	}
}

// StopReason reports why the worker exited, empty while it is still running.
func (w *Worker) StopReason() string {
	if r, ok := w.stopReason.Load().(string); ok {
		return r
	}
	return ""
}

// Snapshot returns the worker's processing counters.
func (w *Worker) Snapshot() Stats {
	processed := w.processed.Load()
	stats := Stats{
		Processed: processed,
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
	}
	if processed > 0 {
		stats.AvgProcessingTime = time.Duration(w.procNanos.Load() / processed)
	}
	return stats
}

// Run executes the poll-claim-execute loop until a drain request, context
// cancellation, or a self resource limit stops it. It never returns an error:
// every failure is absorbed into a job outcome or a log entry.
func (w *Worker) Run(ctx context.Context) {
	w.startedAt = time.Now()
	w.logger.Info("Worker started",
		slog.Any("queues", w.cfg.Queues),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("heartbeat_interval", w.cfg.HeartbeatInterval),
	)

	defer w.shutdown()

	for {
		if w.draining(ctx) {
			w.setStopReason("drain requested")
			return
		}

		if reason := w.limitExceeded(); reason != "" {
			w.logger.Warn("Worker resource limit exceeded, exiting for replacement",
				slog.String("reason", reason),
			)
			w.setStopReason(reason)
			return
		}

		w.maybeHeartbeat(ctx)

		w.state.Store(int32(StatePolling))
		claimed, err := w.queue.ClaimNext(ctx, w.id, w.cfg.Queues)
		if err != nil {
			// Storage trouble must never kill the loop; back off one poll
			// interval and try again.
			if ctx.Err() == nil {
				w.logger.Error("Failed to claim job",
					slog.String("error", err.Error()),
				)
			}
			w.state.Store(int32(StateIdle))
			w.sleep(ctx)
			continue
		}

		if claimed == nil {
			w.state.Store(int32(StateIdle))
			w.sleep(ctx)
			continue
		}

		w.process(ctx, claimed)
		w.state.Store(int32(StateIdle))
	}
}

// draining reports whether a stop was requested via Stop or ctx.
func (w *Worker) draining(ctx context.Context) bool {
	select {
	case <-w.drainChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// limitExceeded returns a human-readable reason when a self resource bound
// is crossed, empty otherwise.
func (w *Worker) limitExceeded() string {
	if w.cfg.MaxLifetime > 0 {
		if uptime := time.Since(w.startedAt); uptime > w.cfg.MaxLifetime {
			return fmt.Sprintf("uptime %s exceeds max lifetime %s", uptime.Round(time.Second), w.cfg.MaxLifetime)
		}
	}
	if w.cfg.MaxMemory > 0 {
		if usage := memoryUsage(); usage > w.cfg.MaxMemory {
			return fmt.Sprintf("memory usage %d exceeds limit %d", usage, w.cfg.MaxMemory)
		}
	}
	return ""
}

// sleep waits one poll interval, returning early on drain, cancellation, or
// a nudge.
func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.nudgeChan:
	case <-w.drainChan:
	case <-ctx.Done():
	}
}

// maybeHeartbeat persists a heartbeat at most once per heartbeat interval.
func (w *Worker) maybeHeartbeat(ctx context.Context) {
	last := w.lastHeartbeat.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < w.cfg.HeartbeatInterval {
		return
	}
	w.heartbeat(ctx)
}

// heartbeat persists a health record immediately.
func (w *Worker) heartbeat(ctx context.Context) {
	now := time.Now()
	w.lastHeartbeat.Store(now.UnixNano())

	rec := storage.HealthRecord{
		WorkerID:      w.id,
		Timestamp:     now.Unix(),
		MemoryUsage:   memoryUsage(),
		JobsProcessed: int(w.processed.Load()),
		CurrentJobID:  w.currentJob.Load().(string),
		Queues:        w.cfg.Queues,
	}
	if err := w.queue.SaveHeartbeat(ctx, rec); err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to persist heartbeat",
				slog.String("error", err.Error()),
			)
		}
	}
}

// process runs one claimed job to an outcome and persists it. All errors are
// converted into a job status update plus a log entry; nothing escapes.
func (w *Worker) process(ctx context.Context, claimed *job.Job) {
	w.state.Store(int32(StateExecuting))
	w.currentJob.Store(claimed.ID)
	defer w.currentJob.Store("")

	// A job may run far longer than the heartbeat interval, so heartbeats
	// keep flowing from a side goroutine for the whole execution. Without
	// them the pool would judge a busy worker dead and reclaim its job while
	// it is still being executed. The first beat also stamps the record with
	// the job now in flight.
	w.heartbeat(ctx)
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				w.heartbeat(ctx)
			}
		}
	}()
	defer func() {
		close(hbStop)
		<-hbDone
	}()

	w.logger.Info("Executing job",
		slog.String("job_id", claimed.ID),
		slog.String("queue", claimed.Queue),
		slog.String("job_type", claimed.Type),
		slog.Int("attempts", claimed.Attempts),
	)

	start := time.Now()

	h, err := w.registry.Lookup(claimed.Type)
	if err != nil {
		// Unregistered type: immediate permanent failure, never retried.
		claimed.MarkFailed(err.Error(), time.Now())
		w.finalize(claimed, start, false)
		return
	}

	if err := h.Validate(claimed.Payload); err != nil {
		claimed.MarkFailed(fmt.Sprintf("%s: %s", job.ErrInvalidPayload, err), time.Now())
		w.finalize(claimed, start, false)
		return
	}

	result, execErr := w.execute(ctx, h, claimed.Payload, h.MaxExecutionTime())

	switch {
	case execErr == nil:
		claimed.MarkCompleted(result, time.Now())
		w.finalize(claimed, start, true)

	case errors.Is(execErr, context.Canceled) && ctx.Err() != nil:
		// Hard shutdown mid-execution: hand the attempt back instead of
		// leaving the job silently running.
		claimed.Release(time.Now())
		w.logger.Warn("Execution aborted by shutdown, job released",
			slog.String("job_id", claimed.ID),
		)
		w.update(claimed)

	default:
		w.fail(claimed, h, execErr, start)
	}
}

// execute invokes the handler on its own goroutine under a deadline. On
// timeout the goroutine is abandoned: a handler that never checks ctx cannot
// be preempted, but the worker still records the timeout and moves on.
func (w *Worker) execute(ctx context.Context, h handler.Handler, payload json.RawMessage, maxTime time.Duration) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, maxTime)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	resultChan := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := h.Execute(execCtx, payload)
		resultChan <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultChan:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution aborted: %w", context.Canceled)
		}
		return nil, fmt.Errorf("%w after %s", job.ErrExecutionTimeout, maxTime)
	}
}

// fail resolves a failed attempt into retry_scheduled or a permanent failure.
func (w *Worker) fail(claimed *job.Job, h handler.Handler, execErr error, start time.Time) {
	retry := h.OnFailure(execErr, claimed.Payload, claimed.Attempts) && claimed.Attempts < claimed.MaxAttempts

	if retry {
		delay := h.RetryPolicy().Delay(claimed.Attempts)
		claimed.ScheduleRetry(execErr.Error(), delay, time.Now())
		w.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", claimed.ID),
			slog.String("error", execErr.Error()),
			slog.Int("attempts", claimed.Attempts),
			slog.Int("max_attempts", claimed.MaxAttempts),
			slog.Duration("backoff", delay),
		)
	} else {
		claimed.MarkFailed(execErr.Error(), time.Now())
		w.logger.Error("Job failed permanently",
			slog.String("job_id", claimed.ID),
			slog.String("error", execErr.Error()),
			slog.Int("attempts", claimed.Attempts),
		)
	}

	w.finalize(claimed, start, false)
}

// finalize records counters and persists the job outcome.
func (w *Worker) finalize(claimed *job.Job, start time.Time, succeeded bool) {
	w.state.Store(int32(StateFinalizing))

	elapsed := time.Since(start)
	w.processed.Add(1)
	w.procNanos.Add(int64(elapsed))
	if succeeded {
		w.succeeded.Add(1)
		w.logger.Info("Job completed",
			slog.String("job_id", claimed.ID),
			slog.Duration("processing_time", elapsed),
		)
	} else if claimed.Status == job.StatusFailed {
		w.failed.Add(1)
	}

	w.update(claimed)
}

// update persists the job outcome on a fresh context so a shutdown cannot
// lose a finished job's result.
func (w *Worker) update(claimed *job.Job) {
	updCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := w.queue.Update(updCtx, claimed); err != nil {
		w.logger.Error("Failed to persist job outcome",
			slog.String("job_id", claimed.ID),
			slog.String("status", claimed.Status),
			slog.String("error", err.Error()),
		)
	}
}

// shutdown removes the heartbeat record and marks the worker stopped.
func (w *Worker) shutdown() {
	w.state.Store(int32(StateDraining))

	cleanupCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := w.queue.DeleteHeartbeat(cleanupCtx, w.id); err != nil {
		w.logger.Warn("Failed to remove heartbeat record",
			slog.String("error", err.Error()),
		)
	}

	w.state.Store(int32(StateStopped))
	close(w.doneChan)

	w.logger.Info("Worker stopped",
		slog.String("reason", w.StopReason()),
		slog.Int64("jobs_processed", w.processed.Load()),
	)
}

func (w *Worker) setStopReason(reason string) {
	w.stopReason.CompareAndSwap(nil, reason)
}

// memoryUsage reports current heap allocation. The figure is process-wide;
// per-goroutine accounting is not available, so every worker in a process
// sees the same number.
func memoryUsage() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc
}
