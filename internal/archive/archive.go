// Package archive writes processed ledger events to durable storage before retention
// cleanup deletes them. Records are stored as JSON lines, one object per event.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"media-reconciler/internal/config"
	"media-reconciler/internal/models"
)

const contentType = "application/x-ndjson"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver serializes event pages and hands them to an uploader.
type Archiver struct {
	up  uploader
	now func() time.Time
}

// New picks an uploader from config: S3 when a bucket is set, otherwise the local
// directory. It returns nil when neither is configured, which disables archiving.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, now: time.Now}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives into baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: baseDir}, now: time.Now}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
	}), nil
}

// ArchiveEvents writes one object holding every event and returns its location.
func (a *Archiver) ArchiveEvents(ctx context.Context, events []models.WebhookEvent) (string, error) {
	if a == nil || a.up == nil {
		return "", errors.New("archive not configured")
	}
	if len(events) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
	}
	key := objectKey(a.now(), events[0].ID)
	loc, err := a.up.Upload(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func objectKey(at time.Time, firstID string) string {
	at = at.UTC()
	return sanitizeKey(fmt.Sprintf("events/%s/%s-%s.jsonl", at.Format("2006/01/02"), at.Format("150405"), firstID))
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
