// Package pipeline runs the stages that turn a job payload into a published
// article: generate, validate, taxonomy and publish.
package pipeline

import (
	"context"

	"content-job-engine/internal/content"
	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// Stage is one step of the pipeline.
type Stage int

const (
	StageGenerate Stage = iota
	StageValidate
	StageTaxonomy
	StagePublish
	StageDone
)

var stageNames = [...]string{"generate", "validate", "taxonomy", "publish", "done"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Category is the failure category a stage's errors are attributed to.
func (s Stage) Category() models.FailureCategory {
	switch s {
	case StageGenerate:
		return models.CategoryGeneration
	case StageValidate:
		return models.CategoryValidation
	case StageTaxonomy:
		return models.CategoryTaxonomy
	case StagePublish:
		return models.CategoryPublish
	}
	return models.CategoryInput
}

// Work carries the intermediate state of one execution.
type Work struct {
	Job              models.Job
	Request          content.Request
	Draft            content.Draft
	Categories       []string
	ExternalID       string
	ManualPublishRef string
	NeedsReview      bool
}

// NewWork derives the generation request from the job payload.
func NewWork(job models.Job) (*Work, error) {
	req, err := content.RequestFromPayload(job.ID, job.Payload)
	if err != nil {
		return nil, err
	}
	return &Work{Job: job, Request: req}, nil
}

func (w *Work) Article() content.Article {
	return content.Article{
		JobID:      w.Job.ID,
		Title:      w.Draft.Title,
		Body:       w.Draft.Body,
		Categories: w.Categories,
	}
}

// Result is the persisted form of a finished execution.
func (w *Work) Result() models.Result {
	return models.Result{
		ExternalID:       w.ExternalID,
		Title:            w.Draft.Title,
		WordCount:        w.Draft.WordCount(),
		Categories:       w.Categories,
		ManualPublishRef: w.ManualPublishRef,
		NeedsReview:      w.NeedsReview,
		TemplateBased:    w.Draft.TemplateBased,
	}
}

// Pipeline holds the collaborators for each stage.
type Pipeline struct {
	Generator content.Generator
	Validator content.Validator
	Taxonomy  content.TaxonomyResolver
	Publisher content.Publisher
	Rules     content.Rules
}

// Checkpoint runs after every completed stage. A non-nil error stops the run.
type Checkpoint func(ctx context.Context, completed Stage) error

// Run executes the stages from `from` onwards. On failure it returns the
// failing stage and the error classified under that stage's category.
func (p *Pipeline) Run(ctx context.Context, w *Work, from Stage, check Checkpoint) (Stage, error) {
	for stage := from; stage < StageDone; stage++ {
		if err := p.runStage(ctx, w, stage); err != nil {
			return stage, failure.Classify(err, stage.Category())
		}
		if check != nil {
			if err := check(ctx, stage); err != nil {
				return stage, err
			}
		}
	}
	return StageDone, nil
}

func (p *Pipeline) runStage(ctx context.Context, w *Work, stage Stage) error {
	switch stage {
	case StageGenerate:
		d, err := p.Generator.Generate(ctx, w.Request)
		if err != nil {
			return err
		}
		w.Draft = d
	case StageValidate:
		rules := p.Rules
		// template output is validated leniently and always goes to review
		if w.Draft.TemplateBased {
			rules = rules.Relaxed()
			w.NeedsReview = true
		}
		return p.Validator.Validate(ctx, w.Draft, rules)
	case StageTaxonomy:
		cats, err := p.Taxonomy.Resolve(ctx, w.Draft)
		if err != nil {
			return err
		}
		w.Categories = cats
	case StagePublish:
		id, err := p.Publisher.Publish(ctx, w.Article())
		if err != nil {
			return err
		}
		w.ExternalID = id
	}
	return nil
}
