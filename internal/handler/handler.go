package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cuongbtq/jobpool/internal/job"
)

// DefaultMaxExecutionTime bounds handlers that do not declare their own limit.
const DefaultMaxExecutionTime = 5 * time.Minute

// Handler is the capability bound to a job type. Execute must respect ctx,
// which carries the deadline derived from MaxExecutionTime.
type Handler interface {
	// Validate checks the payload before execution. A validation error fails
	// the job permanently without retry.
	Validate(payload json.RawMessage) error

	// Execute runs the job and returns an opaque result.
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// MaxExecutionTime is the deadline applied to a single execution.
	MaxExecutionTime() time.Duration

	// OnFailure decides whether the failed attempt should be retried.
	OnFailure(err error, payload json.RawMessage, attempts int) bool

	// RetryPolicy supplies the backoff parameters for this handler.
	RetryPolicy() job.RetryPolicy
}

// ExecuteFunc is the signature of a plain-function job handler.
type ExecuteFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// funcHandler adapts a function plus options into a Handler.
type funcHandler struct {
	execute   ExecuteFunc
	validate  func(payload json.RawMessage) error
	onFailure func(err error, payload json.RawMessage, attempts int) bool
	maxTime   time.Duration
	policy    job.RetryPolicy
}

// Option configures a function-backed handler.
type Option func(*funcHandler)

// WithValidator sets the payload validator.
func WithValidator(fn func(payload json.RawMessage) error) Option {
	return func(h *funcHandler) {
		h.validate = fn
	}
}

// WithMaxExecutionTime sets the per-execution deadline.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(h *funcHandler) {
		h.maxTime = d
	}
}

// WithRetryPolicy sets the backoff parameters.
func WithRetryPolicy(p job.RetryPolicy) Option {
	return func(h *funcHandler) {
		h.policy = p
	}
}

// WithFailureFilter sets the retry decision callback.
func WithFailureFilter(fn func(err error, payload json.RawMessage, attempts int) bool) Option {
	return func(h *funcHandler) {
		h.onFailure = fn
	}
}

// New builds a Handler from an execute function. By default the payload is
// accepted as-is, transient and timeout errors are retried, the execution
// deadline is DefaultMaxExecutionTime, and the default retry policy applies.
func New(execute ExecuteFunc, opts ...Option) Handler {
	h := &funcHandler{
		execute: execute,
		maxTime: DefaultMaxExecutionTime,
		policy:  job.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *funcHandler) Validate(payload json.RawMessage) error {
	if h.validate == nil {
		return nil
	}
	return h.validate(payload)
}

func (h *funcHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return h.execute(ctx, payload)
}

func (h *funcHandler) MaxExecutionTime() time.Duration {
	return h.maxTime
}

func (h *funcHandler) OnFailure(err error, payload json.RawMessage, attempts int) bool {
	if h.onFailure != nil {
		return h.onFailure(err, payload, attempts)
	}
	return DefaultFailureFilter(err)
}

func (h *funcHandler) RetryPolicy() job.RetryPolicy {
	return h.policy
}

// DefaultFailureFilter retries transient errors and timeouts; everything else
// fails permanently.
func DefaultFailureFilter(err error) bool {
	if job.IsTransient(err) {
		return true
	}
	return errors.Is(err, job.ErrExecutionTimeout) || errors.Is(err, context.DeadlineExceeded)
}
