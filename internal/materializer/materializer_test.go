package materializer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghzmwhdk777/ckpts/internal/collector"
	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
)

var submitted = time.Unix(1700000000, 0)

func sampleArtifacts() []collector.Artifact {
	return []collector.Artifact{
		{NodeID: "9", Kind: comfyui.KindImage, Index: 0, Ref: comfyui.ArtifactRef{Filename: "a.png"}, Data: []byte("img-a")},
		{NodeID: "9", Kind: comfyui.KindImage, Index: 1, Ref: comfyui.ArtifactRef{Filename: "b.png"}, Data: []byte("img-b")},
		{NodeID: "19", Kind: comfyui.KindAnimation, Index: 0, Ref: comfyui.ArtifactRef{Filename: "clip_00001.mp4"}, Data: []byte("video")},
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	objects []string
	fail    bool
}

func (r *recordingMirror) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("bucket unavailable")
	}
	key := jobID + "/" + filepath.Base(localPath)
	r.objects = append(r.objects, key)
	return key, nil
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name     string
		artifact collector.Artifact
		want     string
	}{
		{
			name:     "image",
			artifact: collector.Artifact{NodeID: "9", Kind: comfyui.KindImage, Index: 1, Ref: comfyui.ArtifactRef{Filename: "ComfyUI_0001_.png"}},
			want:     "output_image_9_1_1700000000.png",
		},
		{
			name:     "animation",
			artifact: collector.Artifact{NodeID: "19", Kind: comfyui.KindAnimation, Ref: comfyui.ArtifactRef{Filename: "AnimateDiff_00001.webm"}},
			want:     "output_video_19_0_1700000000.webm",
		},
		{
			name:     "defaults without extension",
			artifact: collector.Artifact{NodeID: "19", Kind: comfyui.KindAnimation, Ref: comfyui.ArtifactRef{Filename: "clip"}},
			want:     "output_video_19_0_1700000000.mp4",
		},
		{
			name:     "unsafe node id",
			artifact: collector.Artifact{NodeID: "../12", Kind: comfyui.KindImage, Ref: comfyui.ArtifactRef{Filename: "x.png"}},
			want:     "output_image_12_0_1700000000.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.artifact, submitted))
		})
	}
}

func TestJobDir(t *testing.T) {
	assert.Equal(t, filepath.Join("output_files", "7d1c0a2e-9f3b-4c55-8e21-0b6f4a1d2c3e"), JobDir("output_files", "7d1c0a2e-9f3b-4c55-8e21-0b6f4a1d2c3e"))
	assert.Equal(t, filepath.Join("out", "etc_passwd"), JobDir("out", "../etc/passwd"))
}

func TestMaterializeWritesDistinctFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	m := New(nil)

	paths, err := m.Materialize(context.Background(), "p-1", submitted, sampleArtifacts(), dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	assert.Equal(t, []string{
		filepath.Join(dir, "output_image_9_0_1700000000.png"),
		filepath.Join(dir, "output_image_9_1_1700000000.png"),
		filepath.Join(dir, "output_video_19_0_1700000000.mp4"),
	}, paths)

	data, err := os.ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, []byte("video"), data)

	listed, err := ReadList(dir)
	require.NoError(t, err)
	assert.Equal(t, paths, listed)

	again, err := m.Materialize(context.Background(), "p-1", submitted, sampleArtifacts(), dir)
	require.NoError(t, err)
	assert.Equal(t, paths, again)
}

func TestMaterializeSkipsFailedArtifacts(t *testing.T) {
	artifacts := sampleArtifacts()
	artifacts[1].Data = nil
	artifacts[1].Err = &comfyui.ArtifactFetchError{Ref: artifacts[1].Ref, Err: errors.New("404")}

	paths, err := New(nil).Materialize(context.Background(), "p-1", submitted, artifacts, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestMaterializeMirrors(t *testing.T) {
	mirror := &recordingMirror{}
	paths, err := New(mirror).Materialize(context.Background(), "p-1", submitted, sampleArtifacts(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "p-1/output_image_9_0_1700000000.png", mirror.objects[0])
	assert.Len(t, mirror.objects, 3)
}

func TestMaterializeIgnoresMirrorFailure(t *testing.T) {
	paths, err := New(&recordingMirror{fail: true}).Materialize(context.Background(), "p-1", submitted, sampleArtifacts(), t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 3)
}

func TestMaterializeBadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := New(nil).Materialize(context.Background(), "p-1", submitted, sampleArtifacts(), filepath.Join(file, "out"))
	assert.Error(t, err)
}
