package pipeline

import (
	"context"
	"errors"

	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/watcher"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// ErrorKind groups failures by what the caller can do about them
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindSubmission     ErrorKind = "submission"
	KindProtocol       ErrorKind = "protocol"
	KindConnectionLost ErrorKind = "connection_lost"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindArtifactFetch  ErrorKind = "artifact_fetch"
	KindInternal       ErrorKind = "internal"
)

// Classify maps an error returned by a run to its kind. nil maps to "".
func Classify(err error) ErrorKind {
	var (
		cfgErr   *workflow.ConfigurationError
		subErr   *comfyui.SubmissionError
		upErr    *comfyui.UploadError
		fetchErr *comfyui.ArtifactFetchError
		protoErr *comfyui.ProtocolError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.Is(err, watcher.ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, watcher.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, watcher.ErrConnectionLost):
		return KindConnectionLost
	case errors.As(err, &subErr), errors.As(err, &upErr):
		return KindSubmission
	case errors.As(err, &fetchErr):
		return KindArtifactFetch
	case errors.As(err, &protoErr):
		return KindProtocol
	default:
		return KindInternal
	}
}

// Remedy returns what a user should do next
func (k ErrorKind) Remedy() string {
	switch k {
	case KindConfiguration, KindSubmission:
		return "fix input"
	case KindTimeout:
		return "wait longer"
	case KindArtifactFetch:
		return "retry fetch"
	case KindConnectionLost:
		return "retry"
	case KindCancelled:
		return "resubmit if still needed"
	case KindProtocol:
		return "check engine version"
	case "":
		return ""
	default:
		return "report a bug"
	}
}

// Retryable reports whether a bounded automatic retry is reasonable
func (k ErrorKind) Retryable() bool {
	return k == KindArtifactFetch || k == KindConnectionLost
}
