package job

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in storage
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when attempting to claim a job that is
	// already owned by another worker
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrInvalidPayload is returned when a handler rejects the job payload;
	// jobs failing validation are never retried
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrHandlerNotFound is returned when no handler is registered for the
	// job type; the job fails permanently
	ErrHandlerNotFound = errors.New("no handler registered for job type")

	// ErrMaxAttemptsExceeded is returned when a job has used up its retry
	// budget
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrExecutionTimeout is returned when a handler runs past its declared
	// max execution time
	ErrExecutionTimeout = errors.New("job execution timed out")
)

// TransientError wraps downstream failures that are eligible for retry
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retry-eligible
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retry-eligible
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
