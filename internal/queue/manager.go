package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
)

const (
	runsKey    = "runs"
	pendingKey = "pending_runs"

	maxUpdateAttempts = 10
)

var (
	// ErrRunNotFound no run with the given id
	ErrRunNotFound = errors.New("run not found")
	// ErrNoPendingRuns the pending queue is empty
	ErrNoPendingRuns = errors.New("no pending runs")
	// ErrNotCancellable the run already finished
	ErrNotCancellable = errors.New("run cannot be cancelled")
	// ErrRunCancelled the run was cancelled and keeps that state
	ErrRunCancelled = errors.New("run was cancelled")
)

// Manager keeps run records in a Redis hash and pending run ids in a
// sorted set ordered by creation time
type Manager struct {
	redis     *redis.Client
	callbacks []RunCallback
	mu        sync.RWMutex
	logger    *logrus.Logger

	retryInterval time.Duration
}

// NewManager creates a queue manager
func NewManager(cfg config.RedisConfig) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewManagerWithClient(rdb)
}

// NewManagerWithClient creates a queue manager on an existing client
func NewManagerWithClient(rdb *redis.Client) *Manager {
	return &Manager{
		redis:         rdb,
		callbacks:     make([]RunCallback, 0),
		logger:        config.NewLogger(),
		retryInterval: 5 * time.Second,
	}
}

// Ping checks the Redis connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Close closes the Redis client
func (m *Manager) Close() error {
	return m.redis.Close()
}

// Start recovers runs from Redis, then re-queues retryable failures until ctx ends
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting queue manager")

	if err := m.recover(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to recover runs from Redis")
	}

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue manager stopped")
			return nil
		case <-ticker.C:
			m.retryFailed(ctx)
		}
	}
}

// AddRun adds a run to the queue
func (m *Manager) AddRun(ctx context.Context, run *Run) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, runsKey, run.ID, runJSON)
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add run to Redis: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"template": run.Template,
	}).Info("Run added to queue")

	return nil
}

// NextRun gets the oldest pending run without removing it
func (m *Manager) NextRun(ctx context.Context) (*Run, error) {
	ids, err := m.redis.ZRange(ctx, pendingKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get next run: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoPendingRuns
	}

	run, err := m.GetRun(ctx, ids[0])
	if errors.Is(err, ErrRunNotFound) {
		// stale queue entry
		m.redis.ZRem(ctx, pendingKey, ids[0])
		return nil, ErrNoPendingRuns
	}
	return run, err
}

// RemoveFromQueue removes a run from the pending queue once it is taken
func (m *Manager) RemoveFromQueue(ctx context.Context, runID string) error {
	removed, err := m.redis.ZRem(ctx, pendingKey, runID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove run from queue: %w", err)
	}
	if removed == 0 {
		m.logger.WithField("run_id", runID).Debug("Run was not in pending queue")
	}
	return nil
}

// UpdateRun stores a run's new state and notifies callbacks. A run stored
// as cancelled is only overwritten by another cancelled state; any other
// update returns ErrRunCancelled.
func (m *Manager) UpdateRun(ctx context.Context, run *Run) error {
	err := m.store(ctx, run, func(stored *Run) error {
		if stored != nil && stored.Status == RunStatusCancelled && run.Status != RunStatusCancelled {
			return ErrRunCancelled
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.notify(run)
	return nil
}

// store writes run under WATCH so check sees the record it replaces.
// check gets nil when the run is not stored yet.
func (m *Manager) store(ctx context.Context, run *Run, check func(stored *Run) error) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var checkErr error
	txf := func(tx *redis.Tx) error {
		var stored *Run
		current, err := tx.HGet(ctx, runsKey, run.ID).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get run from Redis: %w", err)
		default:
			stored = &Run{}
			if err := json.Unmarshal([]byte(current), stored); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
		}
		if checkErr = check(stored); checkErr != nil {
			return checkErr
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, runsKey, run.ID, runJSON)
			if run.Status != RunStatusPending {
				pipe.ZRem(ctx, pendingKey, run.ID)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		checkErr = nil
		err := m.redis.Watch(ctx, txf, runsKey)
		if checkErr != nil {
			return checkErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update run in Redis: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update run %s: too much contention", run.ID)
}

func (m *Manager) notify(run *Run) {
	m.mu.RLock()
	callbacks := make([]RunCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(run)
	}

	m.logger.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"status":    run.Status,
		"prompt_id": run.PromptID,
	}).Info("Run updated")
}

// GetRun gets run by ID
func (m *Manager) GetRun(ctx context.Context, runID string) (*Run, error) {
	runJSON, err := m.redis.HGet(ctx, runsKey, runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run from Redis: %w", err)
	}

	var run Run
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns lists runs by status, all runs when status is empty, oldest first
func (m *Manager) ListRuns(ctx context.Context, status RunStatus) ([]*Run, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(all))
	for _, run := range all {
		if status == "" || run.Status == status {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// Metrics counts runs per status
func (m *Manager) Metrics(ctx context.Context) (*Metrics, error) {
	all, err := m.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{}
	for _, run := range all {
		metrics.TotalRuns++
		switch run.Status {
		case RunStatusPending:
			metrics.PendingRuns++
		case RunStatusRunning:
			metrics.RunningRuns++
		case RunStatusCompleted:
			metrics.CompletedRuns++
		case RunStatusFailed:
			metrics.FailedRuns++
		case RunStatusCancelled:
			metrics.CancelledRuns++
		}
	}
	return metrics, nil
}

// AddCallback adds run status change callback
func (m *Manager) AddCallback(callback RunCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// CancelRun marks a pending or running run cancelled. Stopping a running
// run's execution is up to the callbacks.
func (m *Manager) CancelRun(ctx context.Context, runID string) (*Run, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	run.MarkCancelled()
	err = m.store(ctx, run, func(stored *Run) error {
		if stored == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if stored.Status != RunStatusPending && stored.Status != RunStatusRunning {
			*run = *stored
			return fmt.Errorf("%w: current status %s", ErrNotCancellable, stored.Status)
		}
		return nil
	})
	if errors.Is(err, ErrNotCancellable) {
		return run, err
	}
	if err != nil {
		return nil, err
	}
	m.notify(run)
	return run, nil
}

func (m *Manager) loadAll(ctx context.Context) ([]*Run, error) {
	entries, err := m.redis.HGetAll(ctx, runsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get runs from Redis: %w", err)
	}

	runs := make([]*Run, 0, len(entries))
	for _, runJSON := range entries {
		var run Run
		if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
			m.logger.WithError(err).Warn("Failed to unmarshal run")
			continue
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// retryFailed re-queues failed runs whose error kind allows a retry
func (m *Manager) retryFailed(ctx context.Context) {
	runs, err := m.ListRuns(ctx, RunStatusFailed)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to list failed runs")
		return
	}

	for _, run := range runs {
		if !run.CanRetry() {
			continue
		}
		run.resetForRetry()

		runJSON, err := json.Marshal(run)
		if err != nil {
			continue
		}
		pipe := m.redis.TxPipeline()
		pipe.HSet(ctx, runsKey, run.ID, runJSON)
		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  float64(run.CreatedAt.UnixNano()),
			Member: run.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			m.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to re-queue run")
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"run_id":      run.ID,
			"retry_count": run.RetryCount,
		}).Info("Run retried")
	}
}

// recover rebuilds the pending queue. Runs left running by a previous
// process go back to pending.
func (m *Manager) recover(ctx context.Context) error {
	runs, err := m.loadAll(ctx)
	if err != nil {
		return err
	}

	pendingCount := 0
	runningRecoveredCount := 0

	pipe := m.redis.TxPipeline()
	for _, run := range runs {
		switch run.Status {
		case RunStatusPending:
			pendingCount++
		case RunStatusRunning:
			run.Status = RunStatusPending
			run.ClientID = ""
			run.PromptID = ""
			run.StartedAt = nil
			run.UpdatedAt = time.Now()

			if runJSON, err := json.Marshal(run); err == nil {
				pipe.HSet(ctx, runsKey, run.ID, runJSON)
			}
			runningRecoveredCount++

			m.logger.WithFields(logrus.Fields{
				"run_id":   run.ID,
				"template": run.Template,
			}).Info("Recovered running run, reset to pending")
		default:
			continue
		}

		pipe.ZAdd(ctx, pendingKey, redis.Z{
			Score:  float64(run.CreatedAt.UnixNano()),
			Member: run.ID,
		})
	}

	if pendingCount > 0 || runningRecoveredCount > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to rebuild pending queue: %w", err)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"total_runs":             len(runs),
		"pending_runs":           pendingCount,
		"running_recovered_runs": runningRecoveredCount,
	}).Info("Loaded runs from Redis and rebuilt pending queue")

	return nil
}
