package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/watcher"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   ErrorKind
		remedy string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "configuration", err: &workflow.ConfigurationError{Path: "99.seed", Reason: "node does not exist"}, want: KindConfiguration, remedy: "fix input"},
		{name: "submission", err: fmt.Errorf("submit: %w", &comfyui.SubmissionError{Status: 400}), want: KindSubmission, remedy: "fix input"},
		{name: "upload", err: &comfyui.UploadError{Status: 413}, want: KindSubmission},
		{name: "protocol", err: &comfyui.ProtocolError{Op: "submit", Detail: "no prompt_id"}, want: KindProtocol},
		{name: "timeout", err: &watcher.TimeoutError{JobID: "p-1", Attempts: 30}, want: KindTimeout, remedy: "wait longer"},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "connection lost", err: &watcher.ConnectionLostError{JobID: "p-1", Err: errors.New("EOF")}, want: KindConnectionLost, remedy: "retry"},
		{name: "cancelled", err: fmt.Errorf("%w: await", watcher.ErrCancelled), want: KindCancelled},
		{name: "fetch", err: &comfyui.ArtifactFetchError{Err: errors.New("404")}, want: KindArtifactFetch, remedy: "retry fetch"},
		{name: "cancelled fetch", err: &comfyui.ArtifactFetchError{Err: context.Canceled}, want: KindCancelled},
		{name: "joined fetches", err: errors.Join(&comfyui.ArtifactFetchError{Err: errors.New("a")}, &comfyui.ArtifactFetchError{Err: errors.New("b")}), want: KindArtifactFetch},
		{name: "other", err: errors.New("disk full"), want: KindInternal, remedy: "report a bug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := Classify(tt.err)
			assert.Equal(t, tt.want, kind)
			if tt.remedy != "" {
				assert.Equal(t, tt.remedy, kind.Remedy())
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindArtifactFetch.Retryable())
	assert.True(t, KindConnectionLost.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.False(t, KindConfiguration.Retryable())
}

func TestRandomSeedRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		seed := RandomSeed()
		assert.GreaterOrEqual(t, seed, int64(1))
		assert.LessOrEqual(t, seed, int64(MaxSeed))
	}
}
