package handler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/jobpool/internal/storage"
	"github.com/cuongbtq/jobpool/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  storage.Queue
	// Nudger is optional; when nil, enqueues rely on worker polling alone.
	Nudger *rabbitmq.Client
	// HeartbeatInterval is the workers' configured heartbeat cadence, used
	// to judge liveness in the workers listing.
	HeartbeatInterval time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger            *slog.Logger
	queue             storage.Queue
	nudger            *rabbitmq.Client
	heartbeatInterval time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	interval := deps.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobHandler{
		logger:            deps.Logger,
		queue:             deps.Queue,
		nudger:            deps.Nudger,
		heartbeatInterval: interval,
	}
}
