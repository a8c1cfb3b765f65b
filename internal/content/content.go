// Package content defines the collaborators a job talks to while producing an
// article: a generator, a validator, a taxonomy resolver and a publisher.
package content

import (
	"context"
	"errors"
	"strings"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// Request is the generation input derived from a job payload.
type Request struct {
	JobID     string         `json:"job_id"`
	Topic     string         `json:"topic"`
	Keywords  []string       `json:"keywords,omitempty"`
	Tone      string         `json:"tone,omitempty"`
	WordCount int            `json:"word_count,omitempty"`
	Profile   string         `json:"profile,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Draft is generated article text.
type Draft struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	TemplateBased bool   `json:"-"`
}

// WordCount counts whitespace-separated words in the body.
func (d Draft) WordCount() int {
	return len(strings.Fields(d.Body))
}

// Article is what gets published.
type Article struct {
	JobID      string   `json:"job_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Categories []string `json:"categories,omitempty"`
}

// Rules parameterise validation.
type Rules struct {
	MinWords     int
	RequireTitle bool
}

// Relaxed returns rules loose enough for a degraded pass.
func (r Rules) Relaxed() Rules {
	return Rules{MinWords: r.MinWords / 2, RequireTitle: false}
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Draft, error)
}

type Validator interface {
	Validate(ctx context.Context, d Draft, rules Rules) error
}

type TaxonomyResolver interface {
	Resolve(ctx context.Context, d Draft) ([]string, error)
}

// Publisher submits an article to the publishing target and returns its id there.
type Publisher interface {
	Publish(ctx context.Context, a Article) (string, error)
}

// RequestFromPayload builds a generation request. A payload without a topic is
// an input failure and never retried.
func RequestFromPayload(jobID string, p models.Payload) (Request, error) {
	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		return Request{}, failure.Permanent(models.CategoryInput, errors.New("payload topic is required"))
	}
	if p.WordCount < 0 {
		return Request{}, failure.Permanent(models.CategoryInput, errors.New("payload word_count must not be negative"))
	}
	return Request{
		JobID:     jobID,
		Topic:     topic,
		Keywords:  p.Keywords,
		Tone:      p.Tone,
		WordCount: p.WordCount,
		Profile:   p.Profile,
		Options:   p.Options,
	}, nil
}

// Simplify strips a request down to its topic and a shorter target length.
func Simplify(req Request) Request {
	out := Request{JobID: req.JobID, Topic: req.Topic, Profile: req.Profile}
	if req.WordCount > 0 {
		out.WordCount = req.WordCount / 2
	}
	return out
}
