package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobpool/internal/api/dto"
	"github.com/cuongbtq/jobpool/internal/job"
	"github.com/cuongbtq/jobpool/internal/storage"
	"github.com/cuongbtq/jobpool/shared/rabbitmq"
)

// EnqueueJob handles POST /api/v1/jobs
// Creates a new background job for processing
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !json.Valid(req.Payload) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "payload must be valid JSON",
		})
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = "default"
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), queue, req.JobType, req.Payload, storage.EnqueueOptions{
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	// Best-effort wake-up; pollers find the job on their next tick anyway.
	if h.nudger != nil {
		if err := h.nudger.PublishNudge(c.Request.Context(), rabbitmq.Nudge{JobID: jobID, Queue: queue}); err != nil {
			h.logger.Warn("Failed to publish enqueue nudge",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	created, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to load enqueued job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load enqueued job",
		})
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(created))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.queue.ListJobs(c.Request.Context(), storage.JobFilter{
		Queue:    req.Queue,
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, j := range jobs {
		jobResponse[i] = toJobDTO(j)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// ListWorkers handles GET /api/v1/workers
// Reports worker health derived from persisted heartbeats
func (h *JobHandler) ListWorkers(c *gin.Context) {
	records, err := h.queue.ListHeartbeats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list heartbeats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list workers",
		})
		return
	}

	// A worker missing two heartbeat intervals is presumed unhealthy.
	cutoff := time.Now().Add(-2 * h.heartbeatInterval)

	workers := make([]dto.WorkerDTO, len(records))
	for i, rec := range records {
		last := time.Unix(rec.Timestamp, 0)
		workers[i] = dto.WorkerDTO{
			WorkerID:      rec.WorkerID,
			LastHeartbeat: last.UTC().Format(time.RFC3339),
			Healthy:       last.After(cutoff),
			MemoryUsage:   rec.MemoryUsage,
			JobsProcessed: rec.JobsProcessed,
			CurrentJobID:  rec.CurrentJobID,
			Queues:        rec.Queues,
		}
	}

	c.JSON(http.StatusOK, dto.ListWorkersResponse{Workers: workers})
}

func toJobDTO(j *job.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:       j.ID,
		Queue:       j.Queue,
		JobType:     j.Type,
		Payload:     j.Payload,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		ScheduledAt: j.ScheduledAt.UTC().Format(time.RFC3339),
		OwnerWorker: j.OwnerWorkerID,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		d.StartedAt = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		d.CompletedAt = j.CompletedAt.UTC().Format(time.RFC3339)
	}
	return d
}
