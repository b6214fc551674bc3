package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobpool/internal/job"
)

// Postgres implements Queue on top of a jobs table plus a worker_heartbeats
// table. Claim atomicity comes from FOR UPDATE SKIP LOCKED inside a single
// conditional UPDATE ... RETURNING statement.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed queue.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, queue, job_type, payload, status, attempts, max_attempts,
	scheduled_at, owner_worker_id, result, error_message,
	created_at, started_at, completed_at
`

func (s *Postgres) Enqueue(ctx context.Context, queue, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	query := `
		INSERT INTO jobs (
			job_id, queue, job_type, payload, status, attempts, max_attempts,
			scheduled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, 0, $6,
			NOW() + $7::interval, NOW(), NOW()
		)
	`

	jobID := uuid.New().String()
	delay := fmt.Sprintf("%f seconds", opts.Delay.Seconds())

	if _, err := s.db.ExecContext(ctx, query, jobID, queue, jobType, []byte(payload), job.StatusPending, maxAttempts, delay); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("queue", queue),
		slog.String("job_type", jobType),
	)

	return jobID, nil
}

func (s *Postgres) ClaimNext(ctx context.Context, workerID string, queues []string) (*job.Job, error) {
	// One claim statement per queue, tried in priority order; the first queue
	// with an eligible job wins. SKIP LOCKED keeps concurrent claimers from
	// blocking on or double-claiming the same row.
	query := `
		UPDATE jobs
		SET status = $1,
		    owner_worker_id = $2,
		    attempts = attempts + 1,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE queue = $3
			  AND status IN ($4, $5)
			  AND scheduled_at <= NOW()
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	for _, queue := range queues {
		row := s.db.QueryRowContext(ctx, query,
			job.StatusRunning, workerID, queue, job.StatusPending, job.StatusRetryScheduled)

		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to claim job from queue %s: %w", queue, err)
		}
		return j, nil
	}

	return nil, nil
}

func (s *Postgres) Update(ctx context.Context, j *job.Job) error {
	// The status guard keeps terminal jobs terminal: re-applying the same
	// terminal state matches the WHERE clause, any other transition out of a
	// terminal state does not and affects zero rows.
	query := `
		UPDATE jobs
		SET status = $2,
		    attempts = $3,
		    scheduled_at = $4,
		    owner_worker_id = NULLIF($5, ''),
		    result = $6,
		    error_message = $7,
		    completed_at = $8,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND (status NOT IN ($9, $10) OR status = $2)
	`

	var result interface{}
	if len(j.Result) > 0 {
		result = []byte(j.Result)
	}
	var completedAt interface{}
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, query,
		j.ID, j.Status, j.Attempts, j.ScheduledAt, j.OwnerWorkerID,
		result, j.Error, completedAt,
		job.StatusCompleted, job.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job update affected no rows",
			slog.String("job_id", j.ID),
			slog.String("status", j.Status),
		)
	}

	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", id, job.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if filter.Queue != "" {
		args = append(args, filter.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, pageSize+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	return jobs, nil
}

func (s *Postgres) PendingCount(ctx context.Context, queues []string) (int, error) {
	query := `
		SELECT COUNT(*) FROM jobs
		WHERE queue = ANY($1)
		  AND status IN ($2, $3)
		  AND scheduled_at <= NOW()
	`

	var count int
	err := s.db.GetContext(ctx, &count, query, pq.Array(queues), job.StatusPending, job.StatusRetryScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

func (s *Postgres) SaveHeartbeat(ctx context.Context, rec HealthRecord) error {
	query := `
		INSERT INTO worker_heartbeats (
			worker_id, heartbeat_at, memory_usage, jobs_processed, current_job_id, queues
		) VALUES ($1, to_timestamp($2), $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (worker_id) DO UPDATE SET
			heartbeat_at = EXCLUDED.heartbeat_at,
			memory_usage = EXCLUDED.memory_usage,
			jobs_processed = EXCLUDED.jobs_processed,
			current_job_id = EXCLUDED.current_job_id,
			queues = EXCLUDED.queues
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.WorkerID, rec.Timestamp, int64(rec.MemoryUsage), rec.JobsProcessed,
		rec.CurrentJobID, pq.Array(rec.Queues))
	if err != nil {
		return fmt.Errorf("failed to save heartbeat for worker %s: %w", rec.WorkerID, err)
	}
	return nil
}

func (s *Postgres) DeleteHeartbeat(ctx context.Context, workerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM worker_heartbeats WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("failed to delete heartbeat for worker %s: %w", workerID, err)
	}
	return nil
}

func (s *Postgres) ListHeartbeats(ctx context.Context) ([]HealthRecord, error) {
	query := `
		SELECT worker_id, heartbeat_at, memory_usage, jobs_processed, current_job_id, queues
		FROM worker_heartbeats
		ORDER BY worker_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var records []HealthRecord
	for rows.Next() {
		var (
			rec          HealthRecord
			heartbeatAt  time.Time
			memoryUsage  int64
			currentJobID sql.NullString
			queues       pq.StringArray
		)
		if err := rows.Scan(&rec.WorkerID, &heartbeatAt, &memoryUsage, &rec.JobsProcessed, &currentJobID, &queues); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		rec.Timestamp = heartbeatAt.Unix()
		rec.MemoryUsage = uint64(memoryUsage)
		rec.CurrentJobID = currentJobID.String
		rec.Queues = []string(queues)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	return records, nil
}

func (s *Postgres) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	// A running job is stale when it has run longer than olderThan and its
	// owning worker has not heartbeated within the same window. Jobs whose
	// attempt budget is already spent fail instead of re-entering the queue.
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $4 ELSE $1 END,
		    error_message = CASE WHEN attempts >= max_attempts
		                         THEN 'lease expired with attempts exhausted'
		                         ELSE error_message END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE completed_at END,
		    owner_worker_id = NULL,
		    scheduled_at = NOW(),
		    updated_at = NOW()
		WHERE status = $2
		  AND started_at < NOW() - $3::interval
		  AND NOT EXISTS (
			SELECT 1 FROM worker_heartbeats h
			WHERE h.worker_id = jobs.owner_worker_id
			  AND h.heartbeat_at > NOW() - $3::interval
		  )
	`

	interval := fmt.Sprintf("%f seconds", olderThan.Seconds())
	res, err := s.db.ExecContext(ctx, query, job.StatusPending, job.StatusRunning, interval, job.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("Reclaimed stale running jobs",
			slog.Int64("count", rows),
		)
	}

	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one job row with its nullable columns.
func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		payload     []byte
		ownerID     sql.NullString
		result      []byte
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &ownerID, &result, &errMsg,
		&j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	j.Result = json.RawMessage(result)
	j.OwnerWorkerID = ownerID.String
	j.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}

	return &j, nil
}
