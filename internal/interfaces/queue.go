package interfaces

import (
	"context"

	"github.com/ghzmwhdk777/ckpts/internal/queue"
)

// RunStore run store interface
type RunStore interface {
	// Start recovers runs left over from a previous process and blocks until ctx ends
	Start(ctx context.Context) error

	// AddRun adds a run to the pending queue
	AddRun(ctx context.Context, run *queue.Run) error

	// NextRun gets the oldest pending run without removing it
	NextRun(ctx context.Context) (*queue.Run, error)

	// RemoveFromQueue takes a run off the pending queue
	RemoveFromQueue(ctx context.Context, runID string) error

	// UpdateRun stores a run's new state
	UpdateRun(ctx context.Context, run *queue.Run) error

	// GetRun gets run by ID
	GetRun(ctx context.Context, runID string) (*queue.Run, error)

	// ListRuns lists runs, optionally filtered by status
	ListRuns(ctx context.Context, status queue.RunStatus) ([]*queue.Run, error)

	// Metrics counts runs per status
	Metrics(ctx context.Context) (*queue.Metrics, error)

	// AddCallback adds run status change callback
	AddCallback(callback queue.RunCallback)

	// CancelRun marks a pending or running run cancelled
	CancelRun(ctx context.Context, runID string) (*queue.Run, error)

	// Ping checks the backing store
	Ping(ctx context.Context) error
}
