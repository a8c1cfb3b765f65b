package degrade

import (
	"context"
	"errors"
	"fmt"

	"content-job-engine/internal/content"
	"content-job-engine/internal/pipeline"
)

var errNotConfigured = errors.New("collaborator not configured")

func (d Deps) alternateConfig(ctx context.Context, w *pipeline.Work) error {
	if d.Generator == nil {
		return errNotConfigured
	}
	req := w.Request
	req.Profile = d.AlternateProfile
	draft, err := d.Generator.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate with profile %q: %w", d.AlternateProfile, err)
	}
	w.Draft = draft
	return nil
}

func (d Deps) simplifiedRequest(ctx context.Context, w *pipeline.Work) error {
	if d.Generator == nil {
		return errNotConfigured
	}
	draft, err := d.Generator.Generate(ctx, content.Simplify(w.Request))
	if err != nil {
		return fmt.Errorf("generate simplified request: %w", err)
	}
	w.Draft = draft
	return nil
}

func (d Deps) templateFallback(_ context.Context, w *pipeline.Work) error {
	if d.Renderer == nil {
		return errNotConfigured
	}
	draft, err := d.Renderer.Render(w.Request)
	if err != nil {
		return err
	}
	w.Draft = draft
	w.NeedsReview = true
	return nil
}

func (d Deps) relaxedValidation(ctx context.Context, w *pipeline.Work) error {
	if d.Validator == nil {
		return errNotConfigured
	}
	if err := d.Validator.Validate(ctx, w.Draft, d.Rules.Relaxed()); err != nil {
		return fmt.Errorf("relaxed validation: %w", err)
	}
	return nil
}

func skipValidation(_ context.Context, w *pipeline.Work) error {
	w.NeedsReview = true
	return nil
}

func (d Deps) manualPublish(ctx context.Context, w *pipeline.Work) error {
	if d.Spool == nil {
		return errNotConfigured
	}
	ref, err := d.Spool.Save(ctx, w.Article())
	if err != nil {
		return fmt.Errorf("spool article: %w", err)
	}
	w.ManualPublishRef = ref
	return nil
}

func (d Deps) defaultCategories(_ context.Context, w *pipeline.Work) error {
	if len(d.DefaultCategories) == 0 {
		return errors.New("no default categories configured")
	}
	w.Categories = append([]string(nil), d.DefaultCategories...)
	return nil
}

func skipTaxonomy(_ context.Context, w *pipeline.Work) error {
	w.Categories = nil
	return nil
}
