package watcher

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout the job did not complete within the wait ceiling
	ErrTimeout = errors.New("completion wait timed out")
	// ErrConnectionLost the notification channel dropped while waiting
	ErrConnectionLost = errors.New("notification channel lost")
	// ErrCancelled the caller abandoned the wait
	ErrCancelled = errors.New("completion wait cancelled")
)

// TimeoutError reports how long a job was waited for before giving up
type TimeoutError struct {
	JobID    string
	Attempts int
	Reason   string
}

func (e *TimeoutError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("job %s: no outputs after %d attempts", e.JobID, e.Attempts)
	}
	return fmt.Sprintf("job %s: %s", e.JobID, e.Reason)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ConnectionLostError carries the read error that broke the channel
type ConnectionLostError struct {
	JobID string
	Err   error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("job %s: notification channel lost: %v", e.JobID, e.Err)
}

// Unwrap exposes both the sentinel and the transport error
func (e *ConnectionLostError) Unwrap() []error {
	return []error{ErrConnectionLost, e.Err}
}

// contextError maps a finished context to the watcher error taxonomy
func contextError(ctx context.Context, jobID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{JobID: jobID, Reason: "deadline exceeded"}
	}
	return fmt.Errorf("job %s: %w", jobID, ErrCancelled)
}
