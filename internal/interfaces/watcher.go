package interfaces

import (
	"context"
)

// Watcher completion watcher interface
type Watcher interface {
	// Prepare readies the watcher before a job is submitted
	Prepare(ctx context.Context) error

	// AwaitCompletion blocks until the job finished or the wait failed
	AwaitCompletion(ctx context.Context, jobID string) error

	// Close releases the watcher's resources
	Close() error
}

// Mirror copies materialized files to secondary storage
type Mirror interface {
	// Upload stores localPath under the job's prefix and returns the object key
	Upload(ctx context.Context, jobID, localPath string) (string, error)
}
