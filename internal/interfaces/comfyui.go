package interfaces

import (
	"context"
	"io"

	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// HistoryClient reads job records from the engine history
type HistoryClient interface {
	// History looks a job up by prompt id
	History(ctx context.Context, promptID string) (*comfyui.JobRecord, error)
}

// ArtifactClient downloads artifacts held by the engine
type ArtifactClient interface {
	// View downloads one artifact
	View(ctx context.Context, ref comfyui.ArtifactRef) ([]byte, error)
}

// EngineClient engine client interface
type EngineClient interface {
	HistoryClient
	ArtifactClient

	// Submit enqueues a workflow under a session client id
	Submit(ctx context.Context, tpl *workflow.Template, clientID string) (*comfyui.JobHandle, error)

	// UploadImage uploads an input image
	UploadImage(ctx context.Context, filename string, r io.Reader) (string, error)

	// CancelJob removes a pending job or interrupts it when it is executing
	CancelJob(ctx context.Context, promptID string) (bool, error)

	// HealthCheck performs health check
	HealthCheck(ctx context.Context) error

	// WebSocketURL returns the notification channel URL for a session
	WebSocketURL(clientID string) string
}
