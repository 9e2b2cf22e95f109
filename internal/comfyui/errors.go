package comfyui

import (
	"fmt"
)

// SubmissionError the engine refused to enqueue a job
type SubmissionError struct {
	Status int
	Body   string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("engine rejected submission: status %d: %s", e.Status, e.Body)
}

// ProtocolError the engine answered with a body this client cannot use
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine protocol error in %s: %s", e.Op, e.Detail)
}

// ArtifactFetchError a named artifact could not be retrieved
type ArtifactFetchError struct {
	Ref ArtifactRef
	Err error
}

func (e *ArtifactFetchError) Error() string {
	return fmt.Sprintf("fetch artifact %s (subfolder=%q type=%q): %v", e.Ref.Filename, e.Ref.Subfolder, e.Ref.Type, e.Err)
}

func (e *ArtifactFetchError) Unwrap() error {
	return e.Err
}

// UploadError the engine refused an input upload
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("engine rejected upload: status %d: %s", e.Status, e.Body)
}

// StatusError an auxiliary engine call returned a non-success status
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.Status)
}
