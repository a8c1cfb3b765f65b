package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"content-job-engine/internal/content"
	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
	"content-job-engine/internal/telemetry"
)

// ErrThrottled is wrapped into the publish failure when no token is available.
var ErrThrottled = errors.New("publish rate limit exceeded")

// ThrottledPublisher takes a token from the bucket before every publish. A
// denied call fails as a transient publish failure so the job is requeued
// with backoff instead of hammering the target.
type ThrottledPublisher struct {
	next   content.Publisher
	bucket *TokenBucket
	key    string
}

func NewThrottledPublisher(next content.Publisher, bucket *TokenBucket, key string) *ThrottledPublisher {
	if key == "" {
		key = "ratelimit:publish"
	}
	return &ThrottledPublisher{next: next, bucket: bucket, key: key}
}

func (p *ThrottledPublisher) Publish(ctx context.Context, a content.Article) (string, error) {
	d, err := p.bucket.Take(ctx, p.key)
	if err != nil {
		return "", failure.Transient(models.CategoryPublish, fmt.Errorf("rate limiter: %w", err))
	}
	if !d.Allowed {
		telemetry.PublishRejects.Inc()
		return "", failure.Transient(models.CategoryPublish, fmt.Errorf("%w, next token in %s", ErrThrottled, d.RetryAfter))
	}
	return p.next.Publish(ctx, a)
}
