package queue

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus run status
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one queued execution of a template
type Run struct {
	ID        string         `json:"id"`
	Template  string         `json:"template"`
	Params    map[string]any `json:"params,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
	Status    RunStatus      `json:"status"`

	ClientID string            `json:"client_id,omitempty"`
	PromptID string            `json:"prompt_id,omitempty"`
	Seeds    map[string]int64  `json:"seeds,omitempty"`
	Paths    []string          `json:"paths,omitempty"`
	Texts    map[string]string `json:"texts,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Remedy    string `json:"remedy,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// Outcome is what a finished run reports back
type Outcome struct {
	ClientID string
	PromptID string
	Seeds    map[string]int64
	Paths    []string
	Texts    map[string]string
}

// NewRun creates new run
func NewRun(template string, params, overrides map[string]any) *Run {
	now := time.Now()
	return &Run{
		ID:         uuid.New().String(),
		Template:   template,
		Params:     params,
		Overrides:  overrides,
		Status:     RunStatusPending,
		RetryCount: 0,
		MaxRetries: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsTerminal reports whether the run will not change any more
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed || r.Status == RunStatusCancelled
}

// CanRetry checks if run can be retried
func (r *Run) CanRetry() bool {
	return r.Status == RunStatusFailed && r.Retryable && r.RetryCount < r.MaxRetries
}

// MarkStarted marks run as started
func (r *Run) MarkStarted(clientID string) {
	r.Status = RunStatusRunning
	r.ClientID = clientID
	now := time.Now()
	r.StartedAt = &now
	r.UpdatedAt = now
}

// MarkCompleted marks run as completed
func (r *Run) MarkCompleted(out Outcome) {
	r.Status = RunStatusCompleted
	r.apply(out)
	r.Error, r.ErrorKind, r.Remedy = "", "", ""
	now := time.Now()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// MarkFailed marks run as failed. out may carry a partial result.
func (r *Run) MarkFailed(errorMsg, kind, remedy string, retryable bool, out Outcome) {
	r.Status = RunStatusFailed
	r.apply(out)
	r.Error = errorMsg
	r.ErrorKind = kind
	r.Remedy = remedy
	r.Retryable = retryable
	r.RetryCount++
	now := time.Now()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// MarkCancelled marks run as cancelled
func (r *Run) MarkCancelled() {
	r.Status = RunStatusCancelled
	r.ErrorKind = "cancelled"
	now := time.Now()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// resetForRetry puts a failed run back into the pending state
func (r *Run) resetForRetry() {
	r.Status = RunStatusPending
	r.ClientID = ""
	r.PromptID = ""
	r.StartedAt = nil
	r.CompletedAt = nil
	r.Error, r.ErrorKind, r.Remedy = "", "", ""
	r.Retryable = false
	r.UpdatedAt = time.Now()
}

func (r *Run) apply(out Outcome) {
	if out.ClientID != "" {
		r.ClientID = out.ClientID
	}
	if out.PromptID != "" {
		r.PromptID = out.PromptID
	}
	if out.Seeds != nil {
		r.Seeds = out.Seeds
	}
	if out.Paths != nil {
		r.Paths = out.Paths
	}
	if out.Texts != nil {
		r.Texts = out.Texts
	}
}

// RunCallback run callback function type
type RunCallback func(*Run)

// Metrics run counts per status
type Metrics struct {
	TotalRuns     int `json:"total_runs"`
	PendingRuns   int `json:"pending_runs"`
	RunningRuns   int `json:"running_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	CancelledRuns int `json:"cancelled_runs"`
}
