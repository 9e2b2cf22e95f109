package comfyui

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.EngineConfig{Address: srv.URL})
}

func testTemplate(t *testing.T) *workflow.Template {
	t.Helper()
	tpl, err := workflow.Parse("t", []byte(`{"3": {"inputs": {"seed": 1}, "class_type": "KSampler"}}`))
	require.NoError(t, err)
	return tpl
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{endpoint: "127.0.0.1:8188", want: "http://127.0.0.1:8188/prompt"},
		{endpoint: "http://engine:8188/", want: "http://engine:8188/prompt"},
		{endpoint: "https://engine.example", want: "https://engine.example/prompt"},
	}
	for _, tt := range tests {
		c := &Client{endpoint: tt.endpoint}
		assert.Equal(t, tt.want, c.buildURL("prompt"))
	}
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8188/ws?clientId=abc", (&Client{endpoint: "127.0.0.1:8188"}).WebSocketURL("abc"))
	assert.Equal(t, "wss://engine.example/ws?clientId=abc", (&Client{endpoint: "https://engine.example"}).WebSocketURL("abc"))
}

func TestSubmitSendsEnvelope(t *testing.T) {
	var got map[string]json.RawMessage
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/prompt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"prompt_id": "p-1", "number": 4, "node_errors": {}}`))
	}))

	handle, err := client.Submit(context.Background(), testTemplate(t), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", handle.PromptID)
	assert.Equal(t, 4, handle.Number)
	assert.Equal(t, "session-1", handle.ClientID)

	assert.JSONEq(t, `"session-1"`, string(got["client_id"]))
	assert.JSONEq(t, `{"3": {"inputs": {"seed": 1}, "class_type": "KSampler"}}`, string(got["prompt"]))
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "non-200 status",
			status: http.StatusBadRequest,
			body:   `{"error": {"type": "prompt_outputs_failed_validation"}, "node_errors": {"3": {}}}`,
			check: func(t *testing.T, err error) {
				var subErr *SubmissionError
				require.ErrorAs(t, err, &subErr)
				assert.Equal(t, http.StatusBadRequest, subErr.Status)
				assert.Contains(t, subErr.Body, "prompt_outputs_failed_validation")
			},
		},
		{
			name:   "missing prompt id",
			status: http.StatusOK,
			body:   `{"number": 1}`,
			check: func(t *testing.T, err error) {
				var protoErr *ProtocolError
				require.ErrorAs(t, err, &protoErr)
				assert.Equal(t, "submit", protoErr.Op)
			},
		},
		{
			name:   "garbage body",
			status: http.StatusOK,
			body:   `<html>`,
			check: func(t *testing.T, err error) {
				var protoErr *ProtocolError
				require.ErrorAs(t, err, &protoErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := client.Submit(context.Background(), testTemplate(t), "s")
			tt.check(t, err)
		})
	}
}

func TestHistoryDecodesOrderedOutputs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/p-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"p-1": {
			"prompt": [],
			"outputs": {
				"24": {"text": ["futuristic city"]},
				"9": {"images": [{"filename": "a.png", "subfolder": "", "type": "output"}, {"filename": "b.png", "subfolder": "x", "type": "output"}]},
				"19": {"gifs": [{"filename": "v.mp4", "subfolder": "", "type": "output", "format": "video/h264-mp4"}]}
			},
			"status": {"status_str": "success", "completed": true}
		}}`))
	}))

	record, err := client.History(context.Background(), "p-1")
	require.NoError(t, err)
	require.True(t, record.Found)
	require.True(t, record.HasOutputs())
	assert.True(t, record.Status.Completed)

	ids := make([]string, 0, len(record.Outputs))
	for _, o := range record.Outputs {
		ids = append(ids, o.NodeID)
	}
	assert.Equal(t, []string{"24", "9", "19"}, ids)

	images, ok := record.Output("9")
	require.True(t, ok)
	assert.Equal(t, []ArtifactRef{
		{Filename: "a.png", Subfolder: "", Type: "output"},
		{Filename: "b.png", Subfolder: "x", Type: "output"},
	}, images.Images)

	video, _ := record.Output("19")
	assert.Equal(t, "video/h264-mp4", video.Animations[0].Format)

	text, _ := record.Output("24")
	assert.Equal(t, []string{"futuristic city"}, text.Text)
}

func TestHistoryUnknownJob(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	record, err := client.History(context.Background(), "p-2")
	require.NoError(t, err)
	assert.False(t, record.Found)
	assert.False(t, record.HasOutputs())
}

func TestHistoryMalformed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p-3": {"outputs": {"1": {"images": "nope"}}}}`))
	}))

	_, err := client.History(context.Background(), "p-3")
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestView(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filename") == "missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "a.png", q.Get("filename"))
		assert.Equal(t, "sub", q.Get("subfolder"))
		assert.Equal(t, "output", q.Get("type"))
		_, _ = w.Write([]byte("PNGDATA"))
	}))

	data, err := client.View(context.Background(), ArtifactRef{Filename: "a.png", Subfolder: "sub", Type: "output"})
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), data)

	ref := ArtifactRef{Filename: "missing.png", Type: "output"}
	_, err = client.View(context.Background(), ref)
	var fetchErr *ArtifactFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, ref, fetchErr.Ref)
}

func TestUploadImage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload/image", r.URL.Path)
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "input.png", header.Filename)
		assert.Equal(t, "IMG", string(body))
		assert.Equal(t, "true", r.FormValue("overwrite"))
		_, _ = w.Write([]byte(`{"name": "input.png", "subfolder": "", "type": "input"}`))
	}))

	name, err := client.UploadImage(context.Background(), "input.png", strings.NewReader("IMG"))
	require.NoError(t, err)
	assert.Equal(t, "input.png", name)
}

func TestUploadImageErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))

	_, err := client.UploadImage(context.Background(), "big.png", strings.NewReader("x"))
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, upErr.Status)

	noName := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"subfolder": ""}`))
	}))
	_, err = noName.UploadImage(context.Background(), "a.png", strings.NewReader("x"))
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestHealthCheck(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/system_stats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"system": {}}`))
	}))
	assert.NoError(t, client.HealthCheck(context.Background()))
}

// fakeQueue serves /queue, /queue delete and /interrupt for a running and a
// pending set of prompt ids
type fakeQueue struct {
	mu          sync.Mutex
	running     []string
	pending     []string
	deletes     [][]string
	interrupted []string
}

func (q *fakeQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case r.URL.Path == "/queue" && r.Method == http.MethodGet:
		entries := func(ids []string) []any {
			out := make([]any, 0, len(ids))
			for i, id := range ids {
				out = append(out, []any{i, id, map[string]any{}, map[string]any{"client_id": "c"}, []string{"9"}})
			}
			return out
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queue_running": entries(q.running),
			"queue_pending": entries(q.pending),
		})
	case r.URL.Path == "/queue" && r.Method == http.MethodPost:
		var body struct {
			Delete []string `json:"delete"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		q.deletes = append(q.deletes, body.Delete)
		kept := q.pending[:0]
		for _, id := range q.pending {
			if !slices.Contains(body.Delete, id) {
				kept = append(kept, id)
			}
		}
		q.pending = kept
	case r.URL.Path == "/interrupt":
		var body struct {
			PromptID string `json:"prompt_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		q.interrupted = append(q.interrupted, body.PromptID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestQueue(t *testing.T) {
	q := &fakeQueue{running: []string{"p-run"}, pending: []string{"p-a", "p-b"}}
	client := newTestClient(t, q)

	state, err := client.Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-run"}, state.Running)
	assert.Equal(t, []string{"p-a", "p-b"}, state.Pending)
	assert.True(t, state.IsRunning("p-run"))
	assert.True(t, state.IsPending("p-b"))
	assert.False(t, state.IsRunning("p-a"))

	bad := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queue_running": [["x"]], "queue_pending": []}`))
	}))
	_, err = bad.Queue(context.Background())
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestCancelJob(t *testing.T) {
	t.Run("pending job is dequeued", func(t *testing.T) {
		q := &fakeQueue{running: []string{"p-other"}, pending: []string{"p-mine", "p-next"}}
		client := newTestClient(t, q)

		interrupted, err := client.CancelJob(context.Background(), "p-mine")
		require.NoError(t, err)
		assert.False(t, interrupted)
		assert.Equal(t, [][]string{{"p-mine"}}, q.deletes)
		assert.Equal(t, []string{"p-next"}, q.pending)
		assert.Empty(t, q.interrupted)
	})

	t.Run("running job is interrupted by id", func(t *testing.T) {
		q := &fakeQueue{running: []string{"p-mine"}}
		client := newTestClient(t, q)

		interrupted, err := client.CancelJob(context.Background(), "p-mine")
		require.NoError(t, err)
		assert.True(t, interrupted)
		assert.Equal(t, []string{"p-mine"}, q.interrupted)
	})

	t.Run("another job running is left alone", func(t *testing.T) {
		q := &fakeQueue{running: []string{"p-other"}}
		client := newTestClient(t, q)

		interrupted, err := client.CancelJob(context.Background(), "p-mine")
		require.NoError(t, err)
		assert.False(t, interrupted)
		assert.Empty(t, q.interrupted)
	})

	t.Run("engine error", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		_, err := client.CancelJob(context.Background(), "p-mine")
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, "queue delete", statusErr.Op)
	})
}
