package dto

import "encoding/json"

type EnqueueJobRequest struct {
	Queue        string          `json:"queue"`
	JobType      string          `json:"job_type" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	MaxAttempts  int             `json:"max_attempts"`
	DelaySeconds int             `json:"delay_seconds"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt string          `json:"scheduled_at"`
	OwnerWorker string          `json:"owner_worker_id,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

type WorkerDTO struct {
	WorkerID      string   `json:"worker_id"`
	LastHeartbeat string   `json:"last_heartbeat"`
	Healthy       bool     `json:"healthy"`
	MemoryUsage   uint64   `json:"memory_usage"`
	JobsProcessed int      `json:"jobs_processed"`
	CurrentJobID  string   `json:"current_job,omitempty"`
	Queues        []string `json:"queues"`
}

type ListWorkersResponse struct {
	Workers []WorkerDTO `json:"workers"`
}
