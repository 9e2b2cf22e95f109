package comfyui

import (
	"encoding/json"
	"fmt"

	"github.com/ghzmwhdk777/ckpts/internal/jsonutil"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// PromptRequest is sent to POST /prompt
type PromptRequest struct {
	Prompt   *workflow.Template `json:"prompt"`
	ClientID string             `json:"client_id"`
}

// PromptResponse is returned from POST /prompt
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// JobHandle identifies one submitted job
type JobHandle struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
	ClientID string `json:"client_id"`
}

// ArtifactKind classifies a node output artifact
type ArtifactKind string

const (
	KindImage     ArtifactKind = "image"
	KindAnimation ArtifactKind = "animation"
)

// ArtifactRef addresses one file held by the engine
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
}

// NodeOutput is what one node recorded for a job. Animated outputs are
// reported by the engine under "gifs" whatever their container format.
type NodeOutput struct {
	Images     []ArtifactRef `json:"images,omitempty"`
	Animations []ArtifactRef `json:"gifs,omitempty"`
	Text       []string      `json:"text,omitempty"`
}

// Empty reports whether the node recorded nothing this client understands
func (o NodeOutput) Empty() bool {
	return len(o.Images) == 0 && len(o.Animations) == 0 && len(o.Text) == 0
}

// NodeRecord pairs a node id with its output
type NodeRecord struct {
	NodeID string
	Output NodeOutput
}

// ExecutionStatus is the engine's own summary of a finished job
type ExecutionStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// JobRecord is a job as found in history. Outputs keep the engine's order.
type JobRecord struct {
	PromptID string
	Found    bool
	Outputs  []NodeRecord
	Status   ExecutionStatus
}

// HasOutputs reports whether any node recorded output
func (r *JobRecord) HasOutputs() bool {
	return r != nil && len(r.Outputs) > 0
}

// Output returns the output recorded by nodeID
func (r *JobRecord) Output(nodeID string) (NodeOutput, bool) {
	for _, rec := range r.Outputs {
		if rec.NodeID == nodeID {
			return rec.Output, true
		}
	}
	return NodeOutput{}, false
}

// QueueState lists the prompt ids the engine is executing and holding
type QueueState struct {
	Running []string
	Pending []string
}

// IsRunning reports whether promptID is executing
func (q *QueueState) IsRunning(promptID string) bool {
	return contains(q.Running, promptID)
}

// IsPending reports whether promptID waits in the queue
func (q *QueueState) IsPending(promptID string) bool {
	return contains(q.Pending, promptID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// decodeQueue reads a /queue body of the form
// { "queue_running": [[number, prompt_id, prompt, extra, outputs]], "queue_pending": [...] }.
func decodeQueue(body []byte) (*QueueState, error) {
	var raw struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}

	state := &QueueState{}
	var err error
	if state.Running, err = queueIDs(raw.Running); err != nil {
		return nil, err
	}
	if state.Pending, err = queueIDs(raw.Pending); err != nil {
		return nil, err
	}
	return state, nil
}

func queueIDs(entries []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for i, entry := range entries {
		var fields []json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil {
			return nil, fmt.Errorf("decode queue entry %d: %w", i, err)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("queue entry %d has no prompt id", i)
		}
		var id string
		if err := json.Unmarshal(fields[1], &id); err != nil {
			return nil, fmt.Errorf("decode queue entry %d prompt id: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type historyEntry struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  ExecutionStatus `json:"status"`
}

// decodeHistory extracts promptID from a /history/{id} body of the form
// { "<prompt_id>": { "outputs": { "<node_id>": {...} }, "status": {...} } }.
func decodeHistory(promptID string, body []byte) (*JobRecord, error) {
	var history map[string]json.RawMessage
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	record := &JobRecord{PromptID: promptID}
	raw, ok := history[promptID]
	if !ok {
		return record, nil
	}
	record.Found = true

	var entry historyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode history entry: %w", err)
	}
	record.Status = entry.Status

	if len(entry.Outputs) == 0 || jsonutil.IsNull(entry.Outputs) {
		return record, nil
	}
	err := jsonutil.WalkObject(entry.Outputs, func(nodeID string, value json.RawMessage) error {
		var out NodeOutput
		if err := json.Unmarshal(value, &out); err != nil {
			return fmt.Errorf("decode output of node %s: %w", nodeID, err)
		}
		record.Outputs = append(record.Outputs, NodeRecord{NodeID: nodeID, Output: out})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
