package materializer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/collector"
	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
)

// ListFile names the file that lists every written path, one per line
const ListFile = "output_files.txt"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Materializer writes collected artifacts to disk. Files are written one
// after another; a crash mid-batch leaves the files written so far.
type Materializer struct {
	mirror interfaces.Mirror
	logger *logrus.Logger
}

// New creates a materializer; mirror may be nil
func New(mirror interfaces.Mirror) *Materializer {
	return &Materializer{
		mirror: mirror,
		logger: config.NewLogger(),
	}
}

// FileName derives the file name of an artifact from its kind, node,
// index within the node and the submission time.
func FileName(a collector.Artifact, submitted time.Time) string {
	kind, ext := "image", "png"
	if a.Kind == comfyui.KindAnimation {
		kind, ext = "video", "mp4"
	}
	if e := strings.ToLower(strings.TrimPrefix(filepath.Ext(a.Ref.Filename), ".")); e != "" && !unsafeChars.MatchString(e) {
		ext = e
	}
	return fmt.Sprintf("output_%s_%s_%d_%d.%s", kind, sanitize(a.NodeID), a.Index, submitted.Unix(), ext)
}

// JobDir returns the directory under root that holds one job's files
func JobDir(root, jobID string) string {
	return filepath.Join(root, sanitize(jobID))
}

func sanitize(name string) string {
	s := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if s == "" {
		return "node"
	}
	return s
}

// Materialize writes artifacts into dir in the given order, then the list
// file, and returns the written paths. Artifacts without data are skipped.
func (m *Materializer) Materialize(ctx context.Context, jobID string, submitted time.Time, artifacts []collector.Artifact, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Err != nil || a.Data == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return paths, err
		}

		target := filepath.Join(dir, FileName(a, submitted))
		if err := os.WriteFile(target, a.Data, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", target, err)
		}
		paths = append(paths, target)

		m.logger.WithFields(logrus.Fields{
			"prompt_id": jobID,
			"node_id":   a.NodeID,
			"path":      target,
			"bytes":     len(a.Data),
		}).Debug("Artifact written")
	}

	if err := writeList(filepath.Join(dir, ListFile), paths); err != nil {
		return paths, err
	}

	m.logger.WithFields(logrus.Fields{
		"prompt_id": jobID,
		"files":     len(paths),
		"dir":       dir,
	}).Info("Artifacts materialized")

	if m.mirror != nil {
		for _, p := range paths {
			if _, err := m.mirror.Upload(ctx, jobID, p); err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"prompt_id": jobID,
					"path":      p,
				}).Warn("Failed to mirror artifact")
			}
		}
	}
	return paths, nil
}

func writeList(target string, paths []string) error {
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", ListFile, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range paths {
		if _, err := w.WriteString(p + "\n"); err != nil {
			return fmt.Errorf("failed to write %s: %w", ListFile, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", ListFile, err)
	}
	return f.Close()
}

// ReadList returns the paths recorded in dir's list file
func ReadList(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ListFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, scanner.Err()
}
