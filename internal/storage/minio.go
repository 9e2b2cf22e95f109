package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
)

const defaultBucket = "comfy-artifacts"

// Backend artifact mirror backend
type Backend string

const (
	BackendLocal Backend = "local" // files stay in the output directory only
	BackendMinIO Backend = "minio" // files are also copied to a bucket
)

// NewMirror returns the mirror for the configured backend, or nil for local
func NewMirror(cfg config.ArtifactConfig) (interfaces.Mirror, error) {
	switch Backend(cfg.Backend) {
	case BackendLocal, "":
		return nil, nil
	case BackendMinIO:
		m, err := NewMinIOMirror(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// MinIOMirror copies materialized files into a MinIO bucket
type MinIOMirror struct {
	client *minio.Client
	bucket string
	logger *logrus.Logger

	mu      sync.Mutex
	checked bool
}

// NewMinIOMirror creates a mirror client. No request is made until the
// first upload.
func NewMinIOMirror(cfg config.MinIOConfig) (*MinIOMirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &MinIOMirror{
		client: client,
		bucket: bucket,
		logger: config.NewLogger(),
	}, nil
}

// Bucket returns the target bucket
func (m *MinIOMirror) Bucket() string {
	return m.bucket
}

// Upload stores localPath as <job_id>/<basename>
func (m *MinIOMirror) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}

	objectName := ObjectName(jobID, localPath)
	info, err := m.client.FPutObject(ctx, m.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	m.logger.WithFields(logrus.Fields{
		"bucket": m.bucket,
		"object": objectName,
		"size":   info.Size,
	}).Debug("Artifact mirrored")
	return objectName, nil
}

func (m *MinIOMirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checked {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
		}
		m.logger.WithField("bucket", m.bucket).Info("Created artifact bucket")
	}
	m.checked = true
	return nil
}

// ObjectName returns the object key for a materialized file
func ObjectName(jobID, localPath string) string {
	return path.Join(jobID, filepath.Base(localPath))
}

// videoTypes covers extensions the mime package does not always know
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
}

// ContentType guesses a content type from the file extension
func ContentType(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
