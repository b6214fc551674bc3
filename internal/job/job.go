package job

import (
	"encoding/json"
	"time"
)

// Job status constants
const (
	StatusPending        = "pending"
	StatusRunning        = "running"
	StatusRetryScheduled = "retry_scheduled"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// Job represents a unit of work and its lifecycle state
type Job struct {
	ID            string          `db:"job_id" json:"job_id"`
	Queue         string          `db:"queue" json:"queue"`
	Type          string          `db:"job_type" json:"job_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        string          `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	MaxAttempts   int             `db:"max_attempts" json:"max_attempts"`
	ScheduledAt   time.Time       `db:"scheduled_at" json:"scheduled_at"`
	OwnerWorkerID string          `db:"owner_worker_id" json:"owner_worker_id,omitempty"`
	Result        json.RawMessage `db:"result" json:"result,omitempty"`
	Error         string          `db:"error_message" json:"error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a final state.
// Terminal jobs never transition again.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Claimable reports whether the job is eligible to be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	if j.Status != StatusPending && j.Status != StatusRetryScheduled {
		return false
	}
	return !j.ScheduledAt.After(now)
}

// MarkRunning transitions the job to running under the given worker and
// counts the attempt.
func (j *Job) MarkRunning(workerID string, now time.Time) {
	j.Status = StatusRunning
	j.OwnerWorkerID = workerID
	j.Attempts++
	started := now
	j.StartedAt = &started
}

// MarkCompleted records a successful terminal transition.
func (j *Job) MarkCompleted(result json.RawMessage, now time.Time) {
	j.Status = StatusCompleted
	j.Result = result
	j.Error = ""
	j.OwnerWorkerID = ""
	completed := now
	j.CompletedAt = &completed
}

// MarkFailed records a permanent failure.
func (j *Job) MarkFailed(errMsg string, now time.Time) {
	j.Status = StatusFailed
	j.Error = errMsg
	j.OwnerWorkerID = ""
	completed := now
	j.CompletedAt = &completed
}

// ScheduleRetry transitions the job back to the queue with a delay.
func (j *Job) ScheduleRetry(errMsg string, delay time.Duration, now time.Time) {
	j.Status = StatusRetryScheduled
	j.Error = errMsg
	j.OwnerWorkerID = ""
	j.ScheduledAt = now.Add(delay)
}

// Release returns a claimed job to the queue without counting the attempt
// against it, for example when the owning worker drains before execution
// started.
func (j *Job) Release(now time.Time) {
	j.Status = StatusPending
	j.OwnerWorkerID = ""
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.ScheduledAt = now
}
