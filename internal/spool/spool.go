// Package spool persists finished articles that could not be published so an
// operator can publish them by hand.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"content-job-engine/internal/config"
	"content-job-engine/internal/content"
)

// Spool stores an article and returns a reference to where it was written.
type Spool interface {
	Save(ctx context.Context, a content.Article) (string, error)
}

// Entry is the document written for each spooled article.
type Entry struct {
	Article   content.Article `json:"article"`
	SpooledAt time.Time       `json:"spooled_at"`
}

// New chooses the S3 spool when a bucket is configured, else a local directory.
func New(ctx context.Context, cfg config.Config) (Spool, error) {
	if cfg.ManualPublishS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.ManualPublishS3Bucket}, nil
	}
	dir := cfg.ManualPublishDir
	if dir == "" {
		dir = "./manual-publish"
	}
	return &Local{BaseDir: dir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ManualPublishS3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ManualPublishS3PathStyle
		if cfg.ManualPublishS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ManualPublishS3Endpoint)
		}
	}), nil
}

func encode(a content.Article) ([]byte, error) {
	body, err := json.MarshalIndent(Entry{Article: a, SpooledAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode article: %w", err)
	}
	return body, nil
}

func keyFor(a content.Article) string {
	id := sanitizeKey(a.JobID)
	if id == "" {
		id = fmt.Sprintf("article-%d", time.Now().UnixNano())
	}
	return id + ".json"
}

func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "..", "")
	key = filepath.Clean("/" + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	if key == "." {
		return ""
	}
	return key
}

// Local writes articles as JSON files under BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Save(_ context.Context, a content.Article) (string, error) {
	body, err := encode(a)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.BaseDir, keyFor(a))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 writes articles as JSON objects to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Save(ctx context.Context, a content.Article) (string, error) {
	body, err := encode(a)
	if err != nil {
		return "", err
	}
	key := keyFor(a)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
