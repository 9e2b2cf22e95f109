package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ghzmwhdk777/ckpts/internal/collector"
	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
	"github.com/ghzmwhdk777/ckpts/internal/materializer"
	"github.com/ghzmwhdk777/ckpts/internal/observability"
	"github.com/ghzmwhdk777/ckpts/internal/watcher"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// MaxSeed is the largest generated seed
const MaxSeed = 99999999

// cancelJobTimeout bounds the engine-side cancel after a cancelled run
const cancelJobTimeout = 5 * time.Second

// Request describes one run of a template
type Request struct {
	Template *workflow.Template
	// Params are semantic parameters bound through the template's Params table
	Params map[string]any
	// Overrides are raw "<node_id>.<input>" overrides applied after Params
	Overrides map[string]any
	// Uploads maps an upload parameter to a local file sent to the engine first
	Uploads map[string]string
	// OutputDir replaces the session's output directory when set
	OutputDir string
}

// Result is what a finished run produced
type Result struct {
	JobID      string                `json:"prompt_id"`
	ClientID   string                `json:"client_id"`
	Seeds      map[string]int64      `json:"seeds,omitempty"`
	Paths      []string              `json:"paths"`
	Texts      map[string]string     `json:"texts,omitempty"`
	Submitted  time.Time             `json:"submitted_at"`
	Collection *collector.Collection `json:"-"`
}

// Session is one logical engine client: a client id, the watcher bound to
// it and the collect/materialize stages. Runs on one session share the
// watcher connection.
type Session struct {
	id           string
	engine       interfaces.EngineClient
	watcher      interfaces.Watcher
	collector    *collector.Collector
	materializer *materializer.Materializer
	outputDir    string
	logger       *logrus.Logger
}

// NewSession creates a session with a fresh client id and the configured
// watch strategy. mirror may be nil.
func NewSession(cfg *config.Config, engine interfaces.EngineClient, mirror interfaces.Mirror) (*Session, error) {
	id := uuid.New().String()
	w, err := watcher.NewFactory().CreateWatcher(cfg.Watch, engine, id)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:           id,
		engine:       engine,
		watcher:      w,
		collector:    collector.NewCollector(engine, cfg.Collect),
		materializer: materializer.New(mirror),
		outputDir:    cfg.OutputDir,
		logger:       config.NewLogger(),
	}, nil
}

// ID returns the session's client id
func (s *Session) ID() string {
	return s.id
}

// Close releases the watcher
func (s *Session) Close() error {
	return s.watcher.Close()
}

// Run uploads inputs, fills in seeds, instantiates the template, submits
// it, waits for completion, collects and materializes the outputs into a
// directory of their own under the output directory. When ctx ends after
// submission the job is cancelled on the engine.
func (s *Session) Run(ctx context.Context, req Request) (result *Result, err error) {
	if req.Template == nil {
		return nil, &workflow.ConfigurationError{Path: "template", Reason: "no template given"}
	}
	tpl := req.Template

	ctx, span := observability.StartSpan(ctx, "pipeline.run",
		attribute.String("template", tpl.Name),
		attribute.String("client_id", s.id),
	)
	defer func() { observability.EndSpan(span, err) }()

	logger := s.logger.WithFields(logrus.Fields{
		"template":  tpl.Name,
		"client_id": s.id,
	})

	params, err := s.uploadInputs(ctx, tpl, req)
	if err != nil {
		return nil, s.stopped(ctx, "", err)
	}
	seeds, err := fillSeeds(tpl, params)
	if err != nil {
		return nil, err
	}

	instance, err := instantiate(tpl, params, req.Overrides)
	if err != nil {
		return nil, err
	}

	if err := s.stage(ctx, "pipeline.prepare", func(ctx context.Context) error {
		return s.watcher.Prepare(ctx)
	}); err != nil {
		return nil, s.stopped(ctx, "", fmt.Errorf("prepare watcher: %w", err))
	}

	submitted := time.Now()
	var jobID string
	if err := s.stage(ctx, "pipeline.submit", func(ctx context.Context) error {
		handle, err := s.engine.Submit(ctx, instance, s.id)
		if err != nil {
			return err
		}
		jobID = handle.PromptID
		return nil
	}); err != nil {
		return nil, s.stopped(ctx, "", fmt.Errorf("submit: %w", err))
	}
	span.SetAttributes(attribute.String("prompt_id", jobID))
	logger = logger.WithField("prompt_id", jobID)
	logger.WithField("seeds", seeds).Info("Run submitted")

	if err := s.stage(ctx, "pipeline.await", func(ctx context.Context) error {
		return s.watcher.AwaitCompletion(ctx, jobID)
	}); err != nil {
		return nil, s.stopped(ctx, jobID, fmt.Errorf("await %s: %w", jobID, err))
	}

	var collection *collector.Collection
	collectErr := s.stage(ctx, "pipeline.collect", func(ctx context.Context) error {
		var err error
		collection, err = s.collector.Collect(ctx, jobID)
		return err
	})
	if collection == nil {
		return nil, s.stopped(ctx, jobID, fmt.Errorf("collect %s: %w", jobID, collectErr))
	}

	root := req.OutputDir
	if root == "" {
		root = s.outputDir
	}
	dir := materializer.JobDir(root, jobID)
	var paths []string
	if err := s.stage(ctx, "pipeline.materialize", func(ctx context.Context) error {
		var err error
		paths, err = s.materializer.Materialize(ctx, jobID, submitted, collection.Artifacts(), dir)
		return err
	}); err != nil {
		return nil, s.stopped(ctx, jobID, fmt.Errorf("materialize %s: %w", jobID, err))
	}

	result = &Result{
		JobID:      jobID,
		ClientID:   s.id,
		Seeds:      seeds,
		Paths:      paths,
		Texts:      collection.RoleTexts(tpl.Roles),
		Submitted:  submitted,
		Collection: collection,
	}

	logger.WithFields(logrus.Fields{
		"files": len(paths),
		"texts": len(result.Texts),
	}).Info("Run finished")

	if collectErr != nil {
		return result, fmt.Errorf("collect %s: %w", jobID, collectErr)
	}
	return result, nil
}

func (s *Session) stage(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	ctx, span := observability.StartSpan(ctx, name)
	defer func() { observability.EndSpan(span, err) }()
	return fn(ctx)
}

// stopped cancels the job on the engine when ctx ended with it in flight
// and reports cancellation in the watcher's terms
func (s *Session) stopped(ctx context.Context, jobID string, err error) error {
	if ctx.Err() == nil {
		return err
	}

	if jobID != "" {
		cctx, cancel := context.WithTimeout(context.Background(), cancelJobTimeout)
		defer cancel()
		logger := s.logger.WithField("prompt_id", jobID)
		interrupted, cerr := s.engine.CancelJob(cctx, jobID)
		switch {
		case cerr != nil:
			logger.WithError(cerr).Warn("Failed to cancel engine job")
		case interrupted:
			logger.Info("Engine job interrupted")
		default:
			logger.Info("Engine job removed from queue")
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, watcher.ErrCancelled) {
		return fmt.Errorf("%w: %w", watcher.ErrCancelled, err)
	}
	return err
}

// uploadInputs sends local files for upload params and returns the params
// with engine-side names filled in
func (s *Session) uploadInputs(ctx context.Context, tpl *workflow.Template, req Request) (map[string]any, error) {
	params := make(map[string]any, len(req.Params)+len(req.Uploads))
	for k, v := range req.Params {
		params[k] = v
	}

	allowed := make(map[string]bool, len(tpl.Uploads))
	for _, name := range tpl.Uploads {
		allowed[name] = true
	}

	names := make([]string, 0, len(req.Uploads))
	for name := range req.Uploads {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !allowed[name] {
			return nil, &workflow.ConfigurationError{Template: tpl.Name, Path: name, Reason: "parameter does not take an upload"}
		}
		local := req.Uploads[name]
		uploaded, err := s.upload(ctx, local)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &workflow.ConfigurationError{Template: tpl.Name, Path: name, Reason: err.Error()}
		}
		if err != nil {
			return nil, err
		}
		params[name] = uploaded

		s.logger.WithFields(logrus.Fields{
			"param": name,
			"file":  local,
			"name":  uploaded,
		}).Info("Input uploaded")
	}
	return params, nil
}

func (s *Session) upload(ctx context.Context, local string) (name string, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.upload", attribute.String("file", filepath.Base(local)))
	defer func() { observability.EndSpan(span, err) }()

	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.engine.UploadImage(ctx, filepath.Base(local), f)
}

// fillSeeds gives every seed param without a value a random one and
// returns all seed values used
func fillSeeds(tpl *workflow.Template, params map[string]any) (map[string]int64, error) {
	seeds := make(map[string]int64, len(tpl.Seeds))
	for _, name := range tpl.Seeds {
		v, ok := params[name]
		if !ok {
			seed := RandomSeed()
			params[name] = seed
			seeds[name] = seed
			continue
		}
		seed, err := toInt64(v)
		if err != nil {
			return nil, &workflow.ConfigurationError{Template: tpl.Name, Path: name, Reason: fmt.Sprintf("seed must be an integer: %v", err)}
		}
		params[name] = seed
		seeds[name] = seed
	}
	return seeds, nil
}

// RandomSeed returns a seed in [1, MaxSeed]
func RandomSeed() int64 {
	return rand.Int64N(MaxSeed) + 1
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%v is not whole", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// CheckRequest reports the configuration errors Run would hit for params and
// overrides without uploading or submitting anything
func CheckRequest(tpl *workflow.Template, params, overrides map[string]any) error {
	checked := make(map[string]any, len(params))
	for k, v := range params {
		checked[k] = v
	}
	if _, err := fillSeeds(tpl, checked); err != nil {
		return err
	}
	_, err := instantiate(tpl, checked, overrides)
	return err
}

func instantiate(tpl *workflow.Template, params, overrides map[string]any) (*workflow.Template, error) {
	bound, err := tpl.Bind(params)
	if err != nil {
		return nil, err
	}
	for path, v := range overrides {
		bound[path] = v
	}
	return tpl.Instantiate(bound)
}
