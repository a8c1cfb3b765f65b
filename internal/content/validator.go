package content

import (
	"context"
	"fmt"
	"strings"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// BasicValidator checks structural properties of a draft.
type BasicValidator struct{}

func (BasicValidator) Validate(_ context.Context, d Draft, rules Rules) error {
	if strings.TrimSpace(d.Body) == "" {
		return failure.Transient(models.CategoryValidation, fmt.Errorf("draft body is empty"))
	}
	if rules.RequireTitle && strings.TrimSpace(d.Title) == "" {
		return failure.Transient(models.CategoryValidation, fmt.Errorf("draft title is empty"))
	}
	if n := d.WordCount(); n < rules.MinWords {
		return failure.Transient(models.CategoryValidation, fmt.Errorf("draft has %d words, want at least %d", n, rules.MinWords))
	}
	return nil
}
