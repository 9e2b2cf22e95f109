package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
)

// Engine is the part of the engine API the collector reads from
type Engine interface {
	interfaces.HistoryClient
	interfaces.ArtifactClient
}

// Artifact is one fetched image or animation
type Artifact struct {
	NodeID string
	Kind   comfyui.ArtifactKind
	// Index is the position among artifacts of the same kind on the node
	Index int
	Ref   comfyui.ArtifactRef
	Data  []byte
	// Err is set when a best-effort collection could not fetch the artifact
	Err error
}

// NodeResult is everything one node produced for a job
type NodeResult struct {
	NodeID    string
	Output    comfyui.NodeOutput
	Artifacts []Artifact
	Text      []string
}

// Collection is a job's outputs in the order the engine recorded them
type Collection struct {
	JobID string
	Nodes []NodeResult
}

// Artifacts returns every fetched artifact in node order
func (c *Collection) Artifacts() []Artifact {
	var out []Artifact
	for _, n := range c.Nodes {
		for _, a := range n.Artifacts {
			if a.Err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}

// Node returns the result of one node
func (c *Collection) Node(nodeID string) (NodeResult, bool) {
	for _, n := range c.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return NodeResult{}, false
}

// TextFor returns the first text output of a node
func (c *Collection) TextFor(nodeID string) (string, bool) {
	n, ok := c.Node(nodeID)
	if !ok || len(n.Text) == 0 {
		return "", false
	}
	return n.Text[0], true
}

// RoleText returns the text of the node a template assigns to role
func (c *Collection) RoleText(roles map[string]string, role string) (string, bool) {
	nodeID, ok := roles[role]
	if !ok {
		return "", false
	}
	return c.TextFor(nodeID)
}

// RoleTexts resolves every role that has text output
func (c *Collection) RoleTexts(roles map[string]string) map[string]string {
	texts := make(map[string]string)
	for role := range roles {
		if text, ok := c.RoleText(roles, role); ok {
			texts[role] = text
		}
	}
	return texts
}

// Collector fetches a finished job's artifacts
type Collector struct {
	engine      Engine
	policy      string
	concurrency int
	retries     int
	retryDelay  time.Duration
	logger      *logrus.Logger
}

// NewCollector creates a collector
func NewCollector(engine Engine, cfg config.CollectConfig) *Collector {
	policy := cfg.Policy
	if policy != config.PolicyBestEffort {
		policy = config.PolicyFailFast
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	retries := cfg.FetchRetries
	if retries < 0 {
		retries = 0
	}
	return &Collector{
		engine:      engine,
		policy:      policy,
		concurrency: concurrency,
		retries:     retries,
		retryDelay:  cfg.RetryDelay,
		logger:      config.NewLogger(),
	}
}

// Collect looks the job up and fetches every image and animation it
// recorded. Text is passed through without a fetch. Under fail_fast the
// first fetch error aborts the rest; under best_effort the partial
// collection is returned along with the joined fetch errors.
func (c *Collector) Collect(ctx context.Context, jobID string) (*Collection, error) {
	record, err := c.engine.History(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}
	if !record.Found {
		return nil, &comfyui.ProtocolError{Op: "collect", Detail: fmt.Sprintf("job %s is not in history", jobID)}
	}

	collection := &Collection{JobID: jobID, Nodes: make([]NodeResult, 0, len(record.Outputs))}
	for _, rec := range record.Outputs {
		node := NodeResult{
			NodeID: rec.NodeID,
			Output: rec.Output,
			Text:   append([]string(nil), rec.Output.Text...),
		}
		for i, ref := range rec.Output.Images {
			node.Artifacts = append(node.Artifacts, Artifact{NodeID: rec.NodeID, Kind: comfyui.KindImage, Index: i, Ref: ref})
		}
		for i, ref := range rec.Output.Animations {
			node.Artifacts = append(node.Artifacts, Artifact{NodeID: rec.NodeID, Kind: comfyui.KindAnimation, Index: i, Ref: ref})
		}
		collection.Nodes = append(collection.Nodes, node)
	}

	var targets []*Artifact
	for n := range collection.Nodes {
		for a := range collection.Nodes[n].Artifacts {
			targets = append(targets, &collection.Nodes[n].Artifacts[a])
		}
	}

	c.logger.WithFields(logrus.Fields{
		"prompt_id": jobID,
		"nodes":     len(collection.Nodes),
		"artifacts": len(targets),
		"policy":    c.policy,
	}).Info("Collecting artifacts")

	if c.policy == config.PolicyBestEffort {
		return collection, c.fetchBestEffort(ctx, jobID, targets)
	}
	if err := c.fetchFailFast(ctx, targets); err != nil {
		return nil, err
	}
	return collection, nil
}

func (c *Collector) fetchFailFast(ctx context.Context, targets []*Artifact) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, a := range targets {
		g.Go(func() error {
			data, err := c.fetch(gctx, a.Ref)
			if err != nil {
				return err
			}
			a.Data = data
			return nil
		})
	}
	return g.Wait()
}

func (c *Collector) fetchBestEffort(ctx context.Context, jobID string, targets []*Artifact) error {
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for _, a := range targets {
		g.Go(func() error {
			data, err := c.fetch(ctx, a.Ref)
			if err != nil {
				a.Err = err
				return nil
			}
			a.Data = data
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, a := range targets {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	if len(errs) > 0 {
		c.logger.WithFields(logrus.Fields{
			"prompt_id": jobID,
			"failed":    len(errs),
			"artifacts": len(targets),
		}).Warn("Some artifacts could not be fetched")
	}
	return errors.Join(errs...)
}

// fetch downloads one artifact, retrying transient failures
func (c *Collector) fetch(ctx context.Context, ref comfyui.ArtifactRef) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &comfyui.ArtifactFetchError{Ref: ref, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}

		data, err := c.engine.View(ctx, ref)
		if err == nil {
			return data, nil
		}
		lastErr = err

		c.logger.WithError(err).WithFields(logrus.Fields{
			"filename": ref.Filename,
			"attempt":  attempt + 1,
		}).Debug("Artifact fetch failed")

		if ctx.Err() != nil {
			break
		}
	}

	var fetchErr *comfyui.ArtifactFetchError
	if errors.As(lastErr, &fetchErr) {
		return nil, lastErr
	}
	return nil, &comfyui.ArtifactFetchError{Ref: ref, Err: lastErr}
}
