package degrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"content-job-engine/internal/content"
	"content-job-engine/internal/models"
	"content-job-engine/internal/pipeline"
)

type stubGenerator struct {
	profiles []string
	err      error
}

func (g *stubGenerator) Generate(_ context.Context, req content.Request) (content.Draft, error) {
	g.profiles = append(g.profiles, req.Profile)
	if g.err != nil {
		return content.Draft{}, g.err
	}
	return content.Draft{Title: req.Topic, Body: "generated body"}, nil
}

type memSpool struct{ saved []content.Article }

func (s *memSpool) Save(_ context.Context, a content.Article) (string, error) {
	s.saved = append(s.saved, a)
	return "mem://" + a.JobID, nil
}

func newEngine(t *testing.T, gen content.Generator, sp *memSpool) *Engine {
	t.Helper()
	renderer, err := content.NewTemplateRenderer("")
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	e, err := NewEngine(DefaultTable(), Deps{
		Generator:         gen,
		Validator:         content.BasicValidator{},
		Renderer:          renderer,
		Spool:             sp,
		Rules:             content.Rules{MinWords: 4, RequireTitle: true},
		AlternateProfile:  "backup",
		DefaultCategories: []string{"general"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func newWork() *pipeline.Work {
	job := models.Job{ID: "job-1", Payload: models.Payload{Topic: "rust", Keywords: []string{"memory"}, WordCount: 600}}
	w, _ := pipeline.NewWork(job)
	return w
}

func TestSelectIsDeterministic(t *testing.T) {
	table := DefaultTable()
	cases := []struct {
		cat     models.FailureCategory
		attempt int
		want    Name
		ok      bool
	}{
		{models.CategoryGeneration, 0, AlternateConfig, true},
		{models.CategoryGeneration, 1, SimplifiedRequest, true},
		{models.CategoryGeneration, 2, TemplateFallback, true},
		{models.CategoryGeneration, 3, "", false},
		{models.CategoryValidation, 1, SkipValidation, true},
		{models.CategoryPublish, 0, ManualPublish, true},
		{models.CategoryPublish, 1, "", false},
		{models.CategoryTaxonomy, 0, DefaultCategories, true},
		{models.CategoryInput, 0, "", false},
		{models.CategoryGeneration, -1, "", false},
	}
	for _, tc := range cases {
		for i := 0; i < 2; i++ {
			got, ok := table.Select(tc.cat, tc.attempt)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("Select(%s, %d) = %q,%v want %q,%v", tc.cat, tc.attempt, got, ok, tc.want, tc.ok)
			}
		}
	}
}

func TestWithOverrides(t *testing.T) {
	table, err := DefaultTable().WithOverrides(map[string][]string{
		"generation": {"template_fallback"},
		"publish":    {},
	})
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if name, _ := table.Select(models.CategoryGeneration, 0); name != TemplateFallback {
		t.Fatalf("expected override to apply, got %s", name)
	}
	if table.HasStrategy(models.CategoryPublish, 0) {
		t.Fatalf("expected publish degradation disabled")
	}
	if name, _ := DefaultTable().Select(models.CategoryGeneration, 0); name != AlternateConfig {
		t.Fatalf("overrides must not mutate the source table")
	}

	if _, err := DefaultTable().WithOverrides(map[string][]string{"generation": {"bogus"}}); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := DefaultTable().WithOverrides(map[string][]string{"publish": {"skip_taxonomy"}}); err == nil {
		t.Fatalf("expected category mismatch error")
	}
}

func TestDegradeRunsExactlyOneStrategy(t *testing.T) {
	gen := &stubGenerator{}
	e := newEngine(t, gen, &memSpool{})
	w := newWork()

	out := e.Degrade(context.Background(), models.CategoryGeneration, 0, w)
	if !out.Succeeded() || out.Strategy != AlternateConfig {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(gen.profiles) != 1 || gen.profiles[0] != "backup" {
		t.Fatalf("expected one call with the alternate profile, got %v", gen.profiles)
	}
	if out.Decision.Attempt != 0 || out.Decision.Category != models.CategoryGeneration {
		t.Fatalf("unexpected decision %+v", out.Decision)
	}
}

func TestDegradeStrategyFailureIsReported(t *testing.T) {
	gen := &stubGenerator{err: errors.New("upstream down")}
	e := newEngine(t, gen, &memSpool{})
	w := newWork()

	out := e.Degrade(context.Background(), models.CategoryGeneration, 1, w)
	if out.Succeeded() || out.Exhausted() || out.Strategy != SimplifiedRequest {
		t.Fatalf("expected failed simplified_request, got %+v", out)
	}
	if out.Decision.Error == "" {
		t.Fatalf("expected decision error to be recorded")
	}
	if len(gen.profiles) != 1 {
		t.Fatalf("expected exactly one generator call, got %d", len(gen.profiles))
	}
}

func TestTemplateFallback(t *testing.T) {
	gen := &stubGenerator{}
	e := newEngine(t, gen, &memSpool{})
	w := newWork()

	out := e.Degrade(context.Background(), models.CategoryGeneration, 2, w)
	if !out.Succeeded() || out.Strategy != TemplateFallback {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !w.Draft.TemplateBased || !w.NeedsReview || w.Draft.Title == "" {
		t.Fatalf("expected template draft flagged for review, got %+v", w)
	}
	if len(gen.profiles) != 0 {
		t.Fatalf("template fallback must not call the generator")
	}
}

func TestDegradeExhausted(t *testing.T) {
	e := newEngine(t, &stubGenerator{}, &memSpool{})
	out := e.Degrade(context.Background(), models.CategoryPublish, 1, newWork())
	if !out.Exhausted() || out.Strategy != "" {
		t.Fatalf("expected exhausted, got %+v", out)
	}
}

func TestOtherCategoryStrategies(t *testing.T) {
	sp := &memSpool{}
	e := newEngine(t, &stubGenerator{}, sp)
	ctx := context.Background()

	w := newWork()
	w.Draft = content.Draft{Title: "t", Body: "only three words"}
	if out := e.Degrade(ctx, models.CategoryValidation, 0, w); !out.Succeeded() {
		t.Fatalf("relaxed validation should accept a short draft: %+v", out)
	}
	w.Draft = content.Draft{}
	if out := e.Degrade(ctx, models.CategoryValidation, 0, w); out.Succeeded() {
		t.Fatalf("relaxed validation must still reject an empty body")
	}
	if out := e.Degrade(ctx, models.CategoryValidation, 1, w); !out.Succeeded() || !w.NeedsReview {
		t.Fatalf("skip validation should flag for review: %+v", out)
	}

	if out := e.Degrade(ctx, models.CategoryTaxonomy, 0, w); !out.Succeeded() || len(w.Categories) != 1 || w.Categories[0] != "general" {
		t.Fatalf("default categories not applied: %+v %v", out, w.Categories)
	}
	if out := e.Degrade(ctx, models.CategoryTaxonomy, 1, w); !out.Succeeded() || w.Categories != nil {
		t.Fatalf("skip taxonomy should clear categories: %+v", out)
	}

	if out := e.Degrade(ctx, models.CategoryPublish, 0, w); !out.Succeeded() || w.ManualPublishRef != "mem://job-1" {
		t.Fatalf("manual publish not spooled: %+v ref=%s", out, w.ManualPublishRef)
	}
	if len(sp.saved) != 1 {
		t.Fatalf("expected one spooled article, got %d", len(sp.saved))
	}
}
