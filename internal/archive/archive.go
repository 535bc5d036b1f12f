// Package archive stores raw upstream payloads in S3-compatible object
// storage so fetches can be replayed or audited later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config contains archive target configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Archiver writes raw payloads to an object store
type Archiver interface {
	Put(ctx context.Context, seriesID string, payload []byte) error
}

// MinIOArchiver implements Archiver using minio-go
type MinIOArchiver struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New creates an archiver backed by an S3-compatible endpoint
func New(cfg Config, logger *zap.Logger) (*MinIOArchiver, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOArchiver{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// Put writes one payload keyed by series and fetch date
func (a *MinIOArchiver) Put(ctx context.Context, seriesID string, payload []byte) error {
	key := fmt.Sprintf("%s/%s.json", time.Now().UTC().Format("2006-01-02"), seriesID)

	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("failed to archive payload for %s: %w", seriesID, err)
	}

	a.logger.Debug("Archived payload",
		zap.String("series_id", seriesID),
		zap.String("key", key),
	)
	return nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}
