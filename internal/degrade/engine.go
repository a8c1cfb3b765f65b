// Package degrade substitutes reduced-quality results for failed pipeline
// stages once retries are exhausted.
package degrade

import (
	"context"
	"fmt"
	"log/slog"

	"content-job-engine/internal/content"
	"content-job-engine/internal/models"
	"content-job-engine/internal/pipeline"
	"content-job-engine/internal/spool"
)

// Strategy repairs the output of one failed stage in place.
type Strategy func(ctx context.Context, w *pipeline.Work) error

// Deps are the collaborators strategies may call.
type Deps struct {
	Generator         content.Generator
	Validator         content.Validator
	Renderer          *content.TemplateRenderer
	Spool             spool.Spool
	Rules             content.Rules
	AlternateProfile  string
	DefaultCategories []string
}

// Outcome is the result of one Degrade call.
type Outcome struct {
	Strategy Name
	Decision models.DegradationDecision
}

// Succeeded reports whether the strategy produced a usable result.
func (o Outcome) Succeeded() bool { return o.Decision.Result == models.DegradeSucceeded }

// Exhausted reports whether no strategy was left for the attempt.
func (o Outcome) Exhausted() bool { return o.Decision.Result == models.DegradeExhausted }

// Engine selects and runs degradation strategies.
type Engine struct {
	table      Table
	strategies map[Name]Strategy
	logger     *slog.Logger
}

// NewEngine binds every strategy in table to deps.
func NewEngine(table Table, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{table: table, logger: logger}
	e.strategies = map[Name]Strategy{
		AlternateConfig:   deps.alternateConfig,
		SimplifiedRequest: deps.simplifiedRequest,
		TemplateFallback:  deps.templateFallback,
		RelaxedValidation: deps.relaxedValidation,
		SkipValidation:    skipValidation,
		ManualPublish:     deps.manualPublish,
		DefaultCategories: deps.defaultCategories,
		SkipTaxonomy:      skipTaxonomy,
	}
	for cat, names := range table {
		for _, n := range names {
			if _, ok := e.strategies[n]; !ok {
				return nil, fmt.Errorf("no implementation for strategy %q (%s)", n, cat)
			}
		}
	}
	return e, nil
}

// Table exposes the strategy table, e.g. for the retry controller.
func (e *Engine) Table() Table { return e.table }

// Select is the pure strategy choice for (category, attempt).
func (e *Engine) Select(cat models.FailureCategory, attempt int) (Name, bool) {
	return e.table.Select(cat, attempt)
}

// Degrade runs exactly the strategy selected for (category, attempt) against
// w. Past the end of the category's list it reports exhaustion without
// running anything.
func (e *Engine) Degrade(ctx context.Context, cat models.FailureCategory, attempt int, w *pipeline.Work) Outcome {
	decision := models.DegradationDecision{Category: cat, Attempt: attempt}
	name, ok := e.table.Select(cat, attempt)
	if !ok {
		decision.Result = models.DegradeExhausted
		e.logger.Info("degradation exhausted", "job_id", w.Job.ID, "category", cat, "attempt", attempt)
		return Outcome{Decision: decision}
	}
	decision.Strategy = string(name)

	if err := e.strategies[name](ctx, w); err != nil {
		decision.Result = models.DegradeFailed
		decision.Error = err.Error()
		e.logger.Warn("degradation strategy failed", "job_id", w.Job.ID, "category", cat, "attempt", attempt, "strategy", name, "error", err)
		return Outcome{Strategy: name, Decision: decision}
	}
	decision.Result = models.DegradeSucceeded
	e.logger.Info("degradation strategy applied", "job_id", w.Job.ID, "category", cat, "attempt", attempt, "strategy", name)
	return Outcome{Strategy: name, Decision: decision}
}
