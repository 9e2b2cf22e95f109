package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
	"github.com/ghzmwhdk777/ckpts/internal/jsonutil"
)

// maxRemembered bounds completions kept for jobs nobody waits on yet
const maxRemembered = 256

var (
	errWatcherClosed = errors.New("watcher closed")
	errChannelDown   = errors.New("notification channel dropped before the wait started")
)

// event is a text frame on the notification channel
type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PushWatcher detects completion from the engine's notification channel.
// One connection serves every job of a session; waiters are keyed by job id.
type PushWatcher struct {
	url        string
	history    interfaces.HistoryClient
	dialer     *websocket.Dialer
	timeout    time.Duration
	reconnects int
	logger     *logrus.Logger
	dials      singleflight.Group

	mu        sync.Mutex
	conn      *websocket.Conn
	dialed    bool
	closed    bool
	waiters   map[string][]chan error
	completed map[string]struct{}
	order     []string
}

// NewPushWatcher creates a push-mode watcher for one session channel URL.
// history is optional; when set it is consulted once after a redial so a
// completion sent while disconnected is not missed.
func NewPushWatcher(url string, history interfaces.HistoryClient, cfg config.WatchConfig) *PushWatcher {
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	reconnects := cfg.ReconnectAttempts
	if reconnects < 0 {
		reconnects = 0
	}
	return &PushWatcher{
		url:     url,
		history: history,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		timeout:    timeout,
		reconnects: reconnects,
		logger:     config.NewLogger(),
		waiters:    make(map[string][]chan error),
		completed:  make(map[string]struct{}),
	}
}

// Prepare opens the channel. It must run before submission so the
// completion event of the next job cannot be missed.
func (w *PushWatcher) Prepare(ctx context.Context) error {
	_, err := w.ensureConn(ctx)
	return err
}

// AwaitCompletion blocks until the job's completion event arrives, the
// channel drops, the push deadline passes or ctx ends.
func (w *PushWatcher) AwaitCompletion(ctx context.Context, jobID string) error {
	if w.takeCompleted(jobID) {
		return nil
	}

	redialed, err := w.ensureConn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, jobID)
		}
		return &ConnectionLostError{JobID: jobID, Err: err}
	}

	ch, done, err := w.register(jobID)
	if err != nil {
		return &ConnectionLostError{JobID: jobID, Err: err}
	}
	if done {
		return nil
	}
	defer w.unregister(jobID, ch)

	if redialed && w.history != nil {
		if record, err := w.history.History(ctx, jobID); err == nil && record.HasOutputs() {
			w.logger.WithField("prompt_id", jobID).Info("Job completed while channel was down")
			return nil
		}
	}

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()

	select {
	case err := <-ch:
		if err == nil {
			w.logger.WithField("prompt_id", jobID).Info("Job completed")
		}
		return err
	case <-ctx.Done():
		return contextError(ctx, jobID)
	case <-deadline.C:
		return &TimeoutError{JobID: jobID, Reason: fmt.Sprintf("no completion event within %s", w.timeout)}
	}
}

// Close tears the channel down. Pending waiters are released with ErrCancelled.
func (w *PushWatcher) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		w.release(errWatcherClosed)
		return nil
	}
	return conn.Close()
}

// ensureConn returns whether a fresh connection replaced a lost one.
// Concurrent callers share one dial, which runs without holding mu.
func (w *PushWatcher) ensureConn(ctx context.Context) (bool, error) {
	w.mu.Lock()
	closed, live := w.closed, w.conn != nil
	w.mu.Unlock()
	if closed {
		return false, errWatcherClosed
	}
	if live {
		return false, nil
	}

	result := w.dials.DoChan("dial", func() (interface{}, error) {
		return w.dial(context.WithoutCancel(ctx))
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (w *PushWatcher) dial(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return false, nil
	}
	redial := w.dialed
	w.mu.Unlock()

	attempts := 1 + w.reconnects
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				conn.Close()
				return false, errWatcherClosed
			}
			w.conn = conn
			w.dialed = true
			w.mu.Unlock()
			go w.readLoop(conn)

			w.logger.WithFields(logrus.Fields{
				"url":     w.url,
				"attempt": attempt,
				"redial":  redial,
			}).Info("Notification channel connected")
			return redial, nil
		}
		lastErr = err

		w.logger.WithError(err).WithFields(logrus.Fields{
			"url":     w.url,
			"attempt": attempt,
		}).Warn("Failed to connect notification channel")

		if attempt == attempts {
			break
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		if w.isClosed() {
			return false, errWatcherClosed
		}
	}
	return false, fmt.Errorf("dial %s: %w", w.url, lastErr)
}

func (w *PushWatcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *PushWatcher) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.connectionLost(conn, err)
			return
		}
		// binary frames carry previews
		if msgType != websocket.TextMessage {
			continue
		}
		if jobID, ok := completionOf(data); ok {
			w.complete(jobID)
		}
	}
}

// completionOf recognizes {"type":"executing","data":{"node":null,"prompt_id":...}}
func completionOf(data []byte) (string, bool) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != "executing" {
		return "", false
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return "", false
	}
	node, ok := payload["node"]
	if !ok || !jsonutil.IsNull(node) {
		return "", false
	}

	var promptID string
	if err := json.Unmarshal(payload["prompt_id"], &promptID); err != nil || promptID == "" {
		return "", false
	}
	return promptID, true
}

func (w *PushWatcher) complete(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans, ok := w.waiters[jobID]
	if !ok {
		if _, seen := w.completed[jobID]; seen {
			return
		}
		if len(w.order) >= maxRemembered {
			delete(w.completed, w.order[0])
			w.order = w.order[1:]
		}
		w.completed[jobID] = struct{}{}
		w.order = append(w.order, jobID)
		w.logger.WithField("prompt_id", jobID).Debug("Remembered completion without waiter")
		return
	}

	delete(w.waiters, jobID)
	for _, ch := range chans {
		ch <- nil
	}
}

func (w *PushWatcher) connectionLost(conn *websocket.Conn, err error) {
	w.mu.Lock()
	closed := w.closed
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()

	if closed {
		w.release(errWatcherClosed)
		return
	}

	w.logger.WithError(err).WithField("url", w.url).Warn("Notification channel lost")
	w.release(err)
}

// release fails every pending waiter
func (w *PushWatcher) release(cause error) {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = make(map[string][]chan error)
	w.mu.Unlock()

	for jobID, chans := range waiters {
		var err error
		if errors.Is(cause, errWatcherClosed) {
			err = fmt.Errorf("job %s: %v: %w", jobID, cause, ErrCancelled)
		} else {
			err = &ConnectionLostError{JobID: jobID, Err: cause}
		}
		for _, ch := range chans {
			ch <- err
		}
	}
}

func (w *PushWatcher) takeCompleted(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.completed[jobID]; !ok {
		return false
	}
	w.forget(jobID)
	return true
}

// register adds a waiter on the live connection, or reports done when the
// completion already arrived. It fails when the connection is gone.
func (w *PushWatcher) register(jobID string) (chan error, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.completed[jobID]; ok {
		w.forget(jobID)
		return nil, true, nil
	}
	if w.closed {
		return nil, false, errWatcherClosed
	}
	if w.conn == nil {
		return nil, false, errChannelDown
	}
	ch := make(chan error, 1)
	w.waiters[jobID] = append(w.waiters[jobID], ch)
	return ch, false, nil
}

func (w *PushWatcher) unregister(jobID string, ch chan error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.waiters[jobID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(w.waiters, jobID)
	} else {
		w.waiters[jobID] = chans
	}
}

// forget drops a remembered completion; callers hold mu
func (w *PushWatcher) forget(jobID string) {
	delete(w.completed, jobID)
	for i, id := range w.order {
		if id == jobID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// pending reports the number of jobs with registered waiters
func (w *PushWatcher) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

// remembered reports whether a completion is held for jobID
func (w *PushWatcher) remembered(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.completed[jobID]
	return ok
}
