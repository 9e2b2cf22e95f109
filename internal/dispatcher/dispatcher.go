package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
	"github.com/ghzmwhdk777/ckpts/internal/pipeline"
	"github.com/ghzmwhdk777/ckpts/internal/queue"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// Runner executes runs on one engine session
type Runner interface {
	ID() string
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Close() error
}

// RunnerFactory creates a runner for one dispatch slot
type RunnerFactory func() (Runner, error)

// TemplateSource resolves template names
type TemplateSource interface {
	Get(name string) (*workflow.Template, error)
}

// Dispatcher moves pending runs onto idle runners
type Dispatcher struct {
	store     interfaces.RunStore
	templates TemplateSource
	newRunner RunnerFactory
	logger    *logrus.Logger

	// running run mapping: runID -> execution info
	runningRuns sync.Map
	idle        chan Runner
	runners     []Runner
	wg          sync.WaitGroup
	dispatched  atomic.Int64

	config config.DispatchConfig
}

// RunExecution run execution information
type RunExecution struct {
	Run       *queue.Run
	Runner    Runner
	StartTime time.Time
	cancel    context.CancelFunc
}

// NewDispatcher creates a run dispatcher
func NewDispatcher(store interfaces.RunStore, templates TemplateSource, newRunner RunnerFactory, cfg config.DispatchConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}

	return &Dispatcher{
		store:     store,
		templates: templates,
		newRunner: newRunner,
		logger:    config.NewLogger(),
		idle:      make(chan Runner, cfg.MaxConcurrentRuns),
		config:    cfg,
	}
}

// Start creates the runners and dispatches until ctx ends. In-flight runs
// are abandoned on shutdown and recovered by the store on the next start.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.WithField("max_concurrent_runs", d.config.MaxConcurrentRuns).Info("Starting run dispatcher")

	for i := 0; i < d.config.MaxConcurrentRuns; i++ {
		runner, err := d.newRunner()
		if err != nil {
			d.closeRunners()
			return fmt.Errorf("failed to create runner: %w", err)
		}
		d.runners = append(d.runners, runner)
		d.idle <- runner
	}

	d.store.AddCallback(d.onRunUpdate)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.closeRunners()
			d.logger.Info("Run dispatcher stopped")
			return nil
		case <-ticker.C:
			d.dispatchRuns(ctx)
		}
	}
}

// dispatchRuns starts pending runs while runners are idle
func (d *Dispatcher) dispatchRuns(ctx context.Context) {
	for {
		var runner Runner
		select {
		case runner = <-d.idle:
		default:
			return
		}

		run, err := d.store.NextRun(ctx)
		if err != nil {
			d.idle <- runner
			if !errors.Is(err, queue.ErrNoPendingRuns) {
				d.logger.WithError(err).Error("Failed to get next run")
			}
			return
		}

		if err := d.store.RemoveFromQueue(ctx, run.ID); err != nil {
			d.idle <- runner
			d.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to remove run from queue")
			return
		}

		d.startRun(ctx, run, runner)
	}
}

func (d *Dispatcher) startRun(ctx context.Context, run *queue.Run, runner Runner) {
	tpl, err := d.templates.Get(run.Template)
	if err != nil {
		d.idle <- runner
		d.finish(ctx, run, nil, err)
		return
	}

	run.MarkStarted(runner.ID())
	if err := d.store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, queue.ErrRunCancelled) {
			d.idle <- runner
			d.logger.WithField("run_id", run.ID).Info("Run cancelled before start")
			return
		}
		d.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to update run status")
	}

	runCtx, cancel := context.WithTimeout(ctx, d.config.RunTimeout)
	execution := &RunExecution{
		Run:       run,
		Runner:    runner,
		StartTime: time.Now(),
		cancel:    cancel,
	}
	d.runningRuns.Store(run.ID, execution)
	d.dispatched.Add(1)

	d.logger.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"template":  run.Template,
		"client_id": runner.ID(),
	}).Info("Run dispatched")

	d.wg.Add(1)
	go d.execute(ctx, runCtx, execution, tpl)
}

func (d *Dispatcher) execute(ctx, runCtx context.Context, execution *RunExecution, tpl *workflow.Template) {
	defer d.wg.Done()
	defer func() { d.idle <- execution.Runner }()
	defer d.runningRuns.Delete(execution.Run.ID)
	defer execution.cancel()

	result, err := execution.Runner.Run(runCtx, pipeline.Request{
		Template:  tpl,
		Params:    execution.Run.Params,
		Overrides: execution.Run.Overrides,
	})

	if ctx.Err() != nil {
		d.logger.WithField("run_id", execution.Run.ID).Warn("Run abandoned on shutdown")
		return
	}

	d.logger.WithFields(logrus.Fields{
		"run_id":   execution.Run.ID,
		"duration": time.Since(execution.StartTime),
	}).Debug("Run returned")
	d.finish(ctx, execution.Run, result, err)
}

// finish records a run's outcome unless it was cancelled meanwhile
func (d *Dispatcher) finish(ctx context.Context, run *queue.Run, result *pipeline.Result, err error) {
	var outcome queue.Outcome
	if result != nil {
		outcome = queue.Outcome{
			ClientID: result.ClientID,
			PromptID: result.JobID,
			Seeds:    result.Seeds,
			Paths:    result.Paths,
			Texts:    result.Texts,
		}
	}

	var kind pipeline.ErrorKind
	if err != nil {
		kind = pipeline.Classify(err)
		run.MarkFailed(err.Error(), string(kind), kind.Remedy(), kind.Retryable(), outcome)
	} else {
		run.MarkCompleted(outcome)
	}

	if uerr := d.store.UpdateRun(ctx, run); uerr != nil {
		if errors.Is(uerr, queue.ErrRunCancelled) {
			d.logger.WithField("run_id", run.ID).Info("Run was cancelled")
			return
		}
		d.logger.WithError(uerr).WithField("run_id", run.ID).Error("Failed to store run result")
		return
	}

	fields := logrus.Fields{
		"run_id":    run.ID,
		"template":  run.Template,
		"prompt_id": outcome.PromptID,
	}
	if err != nil {
		fields["error_kind"] = kind
		d.logger.WithError(err).WithFields(fields).Error("Run failed")
	} else {
		fields["files"] = len(outcome.Paths)
		d.logger.WithFields(fields).Info("Run completed")
	}
}

// onRunUpdate stops a running run once the store reports it cancelled
func (d *Dispatcher) onRunUpdate(run *queue.Run) {
	if run.Status == queue.RunStatusCancelled {
		d.Cancel(run.ID)
	}
}

// Cancel cancels an in-flight run's context. Other runs are unaffected.
func (d *Dispatcher) Cancel(runID string) bool {
	value, ok := d.runningRuns.Load(runID)
	if !ok {
		return false
	}
	execution := value.(*RunExecution)
	execution.cancel()

	d.logger.WithField("run_id", runID).Info("Run cancellation requested")
	return true
}

func (d *Dispatcher) closeRunners() {
	for _, runner := range d.runners {
		if err := runner.Close(); err != nil {
			d.logger.WithError(err).WithField("client_id", runner.ID()).Warn("Failed to close runner")
		}
	}
	d.runners = nil
}

// GetRunningRunsCount gets running runs count
func (d *Dispatcher) GetRunningRunsCount() int {
	count := 0
	d.runningRuns.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// GetDispatcherMetrics gets dispatcher metrics
func (d *Dispatcher) GetDispatcherMetrics() DispatcherMetrics {
	return DispatcherMetrics{
		RunningRuns:     d.GetRunningRunsCount(),
		TotalDispatched: int(d.dispatched.Load()),
		Slots:           d.config.MaxConcurrentRuns,
	}
}

// DispatcherMetrics dispatcher metrics
type DispatcherMetrics struct {
	RunningRuns     int `json:"running_runs"`
	TotalDispatched int `json:"total_dispatched"`
	Slots           int `json:"slots"`
}
