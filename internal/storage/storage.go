package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobpool/internal/job"
)

// EnqueueOptions controls how a new job is created.
type EnqueueOptions struct {
	// MaxAttempts caps execution attempts; zero means the backend default.
	MaxAttempts int
	// Delay postpones the first claim by setting scheduled_at in the future.
	Delay time.Duration
}

// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// HealthRecord is a worker heartbeat as persisted for the pool manager and
// health dashboards.
type HealthRecord struct {
	WorkerID      string   `json:"worker_id" db:"worker_id"`
	Timestamp     int64    `json:"timestamp" db:"heartbeat_at"`
	MemoryUsage   uint64   `json:"memory_usage" db:"memory_usage"`
	JobsProcessed int      `json:"jobs_processed" db:"jobs_processed"`
	CurrentJobID  string   `json:"current_job,omitempty" db:"current_job_id"`
	Queues        []string `json:"queues" db:"-"`
}

// JobCursor marks a position in the (created_at, job_id) descending order
// used by ListJobs pagination.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// JobFilter narrows and pages a ListJobs call. Zero-value fields match
// everything. Implementations return up to PageSize+1 rows so callers can
// detect whether another page exists.
type JobFilter struct {
	Queue    string
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// Queue is the storage contract the worker subsystem consumes. ClaimNext must
// be atomic with respect to concurrent callers; that atomicity is the sole
// mechanism preventing two workers from owning the same job.
type Queue interface {
	// Enqueue creates a new pending job and returns its ID.
	Enqueue(ctx context.Context, queue, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error)

	// ClaimNext atomically selects the oldest claimable job across the given
	// queues, tried in list order, marks it running under workerID, and
	// returns it. Returns (nil, nil) when no job is eligible.
	ClaimNext(ctx context.Context, workerID string, queues []string) (*job.Job, error)

	// Update persists a status/result/attempts/scheduled_at change. Applying
	// the same terminal update twice is not an error.
	Update(ctx context.Context, j *job.Job) error

	// GetJob fetches a job by ID, or job.ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// ListJobs returns jobs matching the filter, newest first, up to
	// PageSize+1 entries.
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error)

	// PendingCount returns the number of claimable jobs across the queues.
	PendingCount(ctx context.Context, queues []string) (int, error)

	// SaveHeartbeat upserts a worker health record.
	SaveHeartbeat(ctx context.Context, rec HealthRecord) error

	// DeleteHeartbeat removes a worker's health record on clean shutdown.
	DeleteHeartbeat(ctx context.Context, workerID string) error

	// ListHeartbeats returns all known worker health records.
	ListHeartbeats(ctx context.Context) ([]HealthRecord, error)

	// ReclaimStale returns running jobs whose owner has been silent longer
	// than olderThan back to pending, clearing ownership. It reports how many
	// jobs were reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}
