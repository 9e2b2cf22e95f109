package api

import (
	"encoding/json"
	"time"

	"github.com/ghzmwhdk777/ckpts/internal/queue"
)

// SubmitRunRequest submit run request
type SubmitRunRequest struct {
	Template  string         `json:"template" binding:"required"`
	Params    map[string]any `json:"params"`
	Overrides map[string]any `json:"overrides"`
}

// RunResponse run response
type RunResponse struct {
	ID          string            `json:"id"`
	Template    string            `json:"template"`
	Status      string            `json:"status"`
	Params      map[string]any    `json:"params,omitempty"`
	Overrides   map[string]any    `json:"overrides,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
	PromptID    string            `json:"prompt_id,omitempty"`
	Seeds       map[string]int64  `json:"seeds,omitempty"`
	Paths       []string          `json:"paths,omitempty"`
	Texts       map[string]string `json:"texts,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Remedy      string            `json:"remedy,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
}

func newRunResponse(run *queue.Run, detailed bool) RunResponse {
	resp := RunResponse{
		ID:          run.ID,
		Template:    run.Template,
		Status:      string(run.Status),
		ClientID:    run.ClientID,
		PromptID:    run.PromptID,
		ErrorKind:   run.ErrorKind,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		RetryCount:  run.RetryCount,
		MaxRetries:  run.MaxRetries,
	}
	if detailed {
		resp.Params = run.Params
		resp.Overrides = run.Overrides
		resp.Seeds = run.Seeds
		resp.Paths = run.Paths
		resp.Texts = run.Texts
		resp.Error = run.Error
		resp.Remedy = run.Remedy
	}
	return resp
}

// TemplateResponse template response
type TemplateResponse struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Params      []string          `json:"params"`
	Roles       map[string]string `json:"roles,omitempty"`
	Seeds       []string          `json:"seeds,omitempty"`
	Uploads     []string          `json:"uploads,omitempty"`
	Nodes       int               `json:"nodes"`
	Workflow    json.RawMessage   `json:"workflow,omitempty"`
}

// UploadResponse upload response
type UploadResponse struct {
	Name string `json:"name"`
}

// ErrorResponse error response
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	Remedy    string `json:"remedy,omitempty"`
}
