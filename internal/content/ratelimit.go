package content

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// RateLimitedGenerator spaces out calls to the wrapped generator. Waiting is
// bounded by the caller's context; running out of time is a transient failure.
type RateLimitedGenerator struct {
	next    Generator
	limiter *rate.Limiter
}

func NewRateLimitedGenerator(next Generator, perSecond float64, burst int) *RateLimitedGenerator {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedGenerator{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *RateLimitedGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Draft{}, failure.Transient(models.CategoryGeneration, fmt.Errorf("generation rate limit: %w", err))
	}
	return g.next.Generate(ctx, req)
}
