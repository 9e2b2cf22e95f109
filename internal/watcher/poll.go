package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
)

// PollWatcher detects completion by repeated history lookups
type PollWatcher struct {
	client      interfaces.HistoryClient
	interval    time.Duration
	maxAttempts int
	logger      *logrus.Logger
}

// NewPollWatcher creates a poll-mode watcher
func NewPollWatcher(client interfaces.HistoryClient, cfg config.WatchConfig) *PollWatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 30
	}
	return &PollWatcher{
		client:      client,
		interval:    interval,
		maxAttempts: attempts,
		logger:      config.NewLogger(),
	}
}

// Prepare has nothing to open in poll mode
func (w *PollWatcher) Prepare(ctx context.Context) error {
	return nil
}

// AwaitCompletion looks the job up at most maxAttempts times and returns
// once its history record carries outputs.
func (w *PollWatcher) AwaitCompletion(ctx context.Context, jobID string) error {
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		record, err := w.client.History(ctx, jobID)
		switch {
		case err != nil && ctx.Err() != nil:
			return contextError(ctx, jobID)
		case err != nil:
			w.logger.WithError(err).WithFields(logrus.Fields{
				"prompt_id": jobID,
				"attempt":   attempt,
			}).Warn("History lookup failed")
		case record.HasOutputs():
			w.logger.WithFields(logrus.Fields{
				"prompt_id": jobID,
				"attempt":   attempt,
			}).Info("Job completed")
			return nil
		default:
			w.logger.WithFields(logrus.Fields{
				"prompt_id": jobID,
				"attempt":   attempt,
			}).Debug("Job not finished yet")
		}

		if attempt == w.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return contextError(ctx, jobID)
		case <-time.After(w.interval):
		}
	}

	return &TimeoutError{JobID: jobID, Attempts: w.maxAttempts}
}

// Close has nothing to release in poll mode
func (w *PollWatcher) Close() error {
	return nil
}
