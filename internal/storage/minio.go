// Package storage keeps investigation artefacts in S3-compatible object
// storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// MinIOConfig contains MinIO connection settings
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string
}

// MinIOClient stores step screenshots and HTML under
// <identifier>/step<N>/.
type MinIOClient struct {
	client     *minio.Client
	bucketName string
	region     string
	logger     *zap.Logger
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg MinIOConfig, logger *zap.Logger) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MinIOClient{
		client:     client,
		bucketName: cfg.BucketName,
		region:     cfg.Region,
		logger:     logger,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		err = m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: m.region})
		if err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
	}

	return nil
}

// Object names of the files stored for each step.
const (
	ScreenshotObject = "shot.png"
	HTMLObject       = "index.html"
)

// Health reports whether the bucket is reachable.
func (m *MinIOClient) Health(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.bucketName)
	}
	return nil
}

// StepOf returns the step number encoded in an artefact key.
func StepOf(key string) (int, bool) {
	dir := path.Base(path.Dir(key))
	n, err := strconv.Atoi(strings.TrimPrefix(dir, "step"))
	if err != nil || !strings.HasPrefix(dir, "step") {
		return 0, false
	}
	return n, true
}

// StepKey returns the object key of an artefact file for one step.
func StepKey(identifier string, step int, file string) string {
	return path.Join(identifier, fmt.Sprintf("step%d", step), file)
}

// UploadSnapshot uploads the screenshot and HTML of one step.
func (m *MinIOClient) UploadSnapshot(ctx context.Context, identifier string, step int, snap domain.PageSnapshot) error {
	files := []struct {
		local       string
		name        string
		contentType string
	}{
		{snap.ScreenshotPath, ScreenshotObject, "image/png"},
		{snap.HTMLPath, HTMLObject, "text/html; charset=utf-8"},
	}
	for _, f := range files {
		if f.local == "" {
			continue
		}
		key := StepKey(identifier, step, f.name)
		_, err := m.client.FPutObject(ctx, m.bucketName, key, filepath.Clean(f.local), minio.PutObjectOptions{
			ContentType:  f.contentType,
			UserMetadata: map[string]string{"source-url": snap.URL},
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
	}
	m.logger.Debug("uploaded step artefacts", zap.String("identifier", identifier), zap.Int("step", step))
	return nil
}

// Download downloads a file from MinIO
func (m *MinIOClient) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// GetPresignedURL returns a presigned URL for downloading
func (m *MinIOClient) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("generating presigned URL: %w", err)
	}
	return url.String(), nil
}

// ListArtefacts lists the object keys stored for an investigation in step
// order.
func (m *MinIOClient) ListArtefacts(ctx context.Context, identifier string) ([]string, error) {
	var keys []string

	objectCh := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(identifier, "/") + "/",
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return nil, object.Err
		}
		keys = append(keys, object.Key)
	}

	// Listings are lexical; step10 must follow step9.
	sort.SliceStable(keys, func(i, j int) bool {
		a, _ := StepOf(keys[i])
		b, _ := StepOf(keys[j])
		return a < b
	})
	return keys, nil
}

// DeleteArtefacts removes everything stored for an investigation.
func (m *MinIOClient) DeleteArtefacts(ctx context.Context, identifier string) error {
	keys, err := m.ListArtefacts(ctx, identifier)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.client.RemoveObject(ctx, m.bucketName, k, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
	}
	return nil
}
