package watcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghzmwhdk777/ckpts/internal/config"
)

const doneEvent = `{"type": "executing", "data": {"node": null, "prompt_id": "p-1"}}`

// newEngineChannel serves the notification channel; serve runs once per connection
func newEngineChannel(t *testing.T, serve func(conn *websocket.Conn, n int)) (string, *int32) {
	t.Helper()
	var connections int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c-1", r.URL.Query().Get("clientId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, int(atomic.AddInt32(&connections, 1)))
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/ws?clientId=c-1", &connections
}

func pushConfig() config.WatchConfig {
	return config.WatchConfig{PushTimeout: 5 * time.Second, ReconnectAttempts: 1}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// hold keeps a server connection open until the client goes away
func hold(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestCompletionOf(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		wantID string
		wantOK bool
	}{
		{name: "completion", msg: doneEvent, wantID: "p-1", wantOK: true},
		{name: "node still running", msg: `{"type": "executing", "data": {"node": "9", "prompt_id": "p-1"}}`},
		{name: "node key missing", msg: `{"type": "executing", "data": {"prompt_id": "p-1"}}`},
		{name: "other event type", msg: `{"type": "executed", "data": {"node": null, "prompt_id": "p-1"}}`},
		{name: "progress", msg: `{"type": "progress", "data": {"value": 3, "max": 20}}`},
		{name: "status", msg: `{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}}}`},
		{name: "no prompt id", msg: `{"type": "executing", "data": {"node": null}}`},
		{name: "not json", msg: `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := completionOf([]byte(tt.msg))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestPushIgnoresNoiseUntilCompletion(t *testing.T) {
	release := make(chan struct{})
	noiseSent := make(chan struct{})
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x00, 0x00, 0x01, 0x89, 'P', 'N', 'G'}))
		send(t, conn, `{"type": "executing", "data": {"node": "3", "prompt_id": "p-1"}}`)
		send(t, conn, `{"type": "executing", "data": {"node": null, "prompt_id": "p-other"}}`)
		send(t, conn, `{"type": "executing", "data": {"prompt_id": "p-1"}}`)
		send(t, conn, `{"type": "executed", "data": {"node": null, "prompt_id": "p-1"}}`)
		close(noiseSent)
		<-release
		send(t, conn, doneEvent)
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	result := make(chan error, 1)
	go func() { result <- w.AwaitCompletion(context.Background(), "p-1") }()

	<-noiseSent
	select {
	case err := <-result:
		t.Fatalf("await returned before completion: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not observed")
	}
}

func TestPushRemembersEarlyCompletion(t *testing.T) {
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		send(t, conn, doneEvent)
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	assert.Eventually(t, func() bool { return w.remembered("p-1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.AwaitCompletion(context.Background(), "p-1"))
	assert.False(t, w.remembered("p-1"))
}

func TestPushConnectionLost(t *testing.T) {
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		time.Sleep(50 * time.Millisecond)
	})

	w := NewPushWatcher(url, nil, config.WatchConfig{PushTimeout: 5 * time.Second})
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	err := w.AwaitCompletion(context.Background(), "p-1")
	require.ErrorIs(t, err, ErrConnectionLost)
	var lost *ConnectionLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "p-1", lost.JobID)
	assert.Equal(t, 0, w.pending())
}

func TestPushRedialsAfterLoss(t *testing.T) {
	url, connections := newEngineChannel(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			return
		}
		time.Sleep(50 * time.Millisecond)
		send(t, conn, doneEvent)
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	assert.ErrorIs(t, w.AwaitCompletion(context.Background(), "p-1"), ErrConnectionLost)
	assert.NoError(t, w.AwaitCompletion(context.Background(), "p-1"))
	assert.Equal(t, int32(2), atomic.LoadInt32(connections))
}

func TestPushDeadline(t *testing.T) {
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		hold(conn)
	})

	w := NewPushWatcher(url, nil, config.WatchConfig{PushTimeout: 50 * time.Millisecond})
	defer w.Close()

	err := w.AwaitCompletion(context.Background(), "p-1")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, w.pending())
}

func TestPushCancelLeavesOtherWaiters(t *testing.T) {
	release := make(chan struct{})
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		<-release
		send(t, conn, `{"type": "executing", "data": {"node": null, "prompt_id": "p-2"}}`)
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- w.AwaitCompletion(ctx, "p-1") }()
	go func() { second <- w.AwaitCompletion(context.Background(), "p-2") }()

	assert.Eventually(t, func() bool { return w.pending() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-first, ErrCancelled)

	close(release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter not released")
	}
}

func TestPushCloseReleasesWaiters(t *testing.T) {
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	require.NoError(t, w.Prepare(context.Background()))

	result := make(chan error, 1)
	go func() { result <- w.AwaitCompletion(context.Background(), "p-1") }()
	assert.Eventually(t, func() bool { return w.pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, <-result, ErrCancelled)
	assert.Error(t, w.Prepare(context.Background()))
}

func TestPushRegisterNeedsLiveConnection(t *testing.T) {
	url, _ := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()

	_, _, err := w.register("p-1")
	assert.ErrorIs(t, err, errChannelDown)
	assert.Equal(t, 0, w.pending())

	require.NoError(t, w.Prepare(context.Background()))
	ch, done, err := w.register("p-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, w.pending())
	w.unregister("p-1", ch)
}

func TestPushLossBeforeWaitFailsFast(t *testing.T) {
	var served int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&served, 1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	w := NewPushWatcher("ws://"+strings.TrimPrefix(srv.URL, "http://")+"/ws?clientId=c-1", nil,
		config.WatchConfig{PushTimeout: 10 * time.Minute})
	defer w.Close()
	require.NoError(t, w.Prepare(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := w.AwaitCompletion(ctx, "p-1")
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 0, w.pending())
}

func TestPushConcurrentPrepareDialsOnce(t *testing.T) {
	url, connections := newEngineChannel(t, func(conn *websocket.Conn, _ int) {
		hold(conn)
	})

	w := NewPushWatcher(url, nil, pushConfig())
	defer w.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.Prepare(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(connections))
}

func TestPushSlowDialDoesNotBlockWaiters(t *testing.T) {
	entered := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(500 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hold(conn)
	}))
	defer srv.Close()

	w := NewPushWatcher("ws://"+strings.TrimPrefix(srv.URL, "http://")+"/ws?clientId=c-1", nil, pushConfig())
	defer w.Close()

	prepared := make(chan error, 1)
	go func() { prepared <- w.Prepare(context.Background()) }()
	<-entered

	start := time.Now()
	w.complete("p-9")
	assert.True(t, w.remembered("p-9"))
	assert.Equal(t, 0, w.pending())
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Prepare(ctx), context.DeadlineExceeded)

	require.NoError(t, <-prepared)
}
