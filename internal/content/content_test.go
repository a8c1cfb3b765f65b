package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

func TestRequestFromPayload(t *testing.T) {
	req, err := RequestFromPayload("job-1", models.Payload{Topic: "  golang  ", Keywords: []string{"go"}, WordCount: 400})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Topic != "golang" || req.JobID != "job-1" {
		t.Fatalf("unexpected request %+v", req)
	}

	_, err = RequestFromPayload("job-2", models.Payload{})
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Retryable || fe.Category != models.CategoryInput {
		t.Fatalf("expected permanent input failure, got %v", err)
	}

	simple := Simplify(req)
	if len(simple.Keywords) != 0 || simple.WordCount != 200 {
		t.Fatalf("unexpected simplified request %+v", simple)
	}
}

func TestHTTPGeneratorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			_, err := NewHTTPGenerator(srv.URL, time.Second).Generate(context.Background(), Request{Topic: "go"})
			var fe *failure.Error
			if !errors.As(err, &fe) {
				t.Fatalf("expected classified error, got %v", err)
			}
			if fe.Retryable != tc.retryable || fe.Category != models.CategoryGeneration {
				t.Fatalf("unexpected classification %+v", fe)
			}
		})
	}
}

func TestHTTPGeneratorTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPGenerator(srv.URL, time.Second).Generate(ctx, Request{Topic: "go"})
	var fe *failure.Error
	if !errors.As(err, &fe) || !fe.Retryable {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestHTTPClientsRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			var req Request
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(Draft{Title: req.Topic, Body: "one two three"})
		case "/categorize":
			_ = json.NewEncoder(w).Encode(map[string]any{"categories": []string{"tech"}})
		case "/posts":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "post-7"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	draft, err := NewHTTPGenerator(srv.URL+"/", time.Second).Generate(ctx, Request{Topic: "go"})
	if err != nil || draft.Title != "go" || draft.WordCount() != 3 {
		t.Fatalf("generate: %+v %v", draft, err)
	}
	cats, err := NewHTTPTaxonomy(srv.URL, time.Second).Resolve(ctx, draft)
	if err != nil || len(cats) != 1 || cats[0] != "tech" {
		t.Fatalf("resolve: %v %v", cats, err)
	}
	id, err := NewHTTPPublisher(srv.URL, time.Second).Publish(ctx, Article{Title: draft.Title, Body: draft.Body})
	if err != nil || id != "post-7" {
		t.Fatalf("publish: %q %v", id, err)
	}
}

func TestBasicValidator(t *testing.T) {
	rules := Rules{MinWords: 4, RequireTitle: true}
	cases := []struct {
		name  string
		draft Draft
		rules Rules
		ok    bool
	}{
		{"valid", Draft{Title: "t", Body: "a b c d"}, rules, true},
		{"too short", Draft{Title: "t", Body: "a b"}, rules, false},
		{"no title", Draft{Body: "a b c d"}, rules, false},
		{"relaxed accepts short untitled", Draft{Body: "a b"}, rules.Relaxed(), true},
		{"empty body", Draft{Title: "t"}, rules.Relaxed(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := BasicValidator{}.Validate(context.Background(), tc.draft, tc.rules)
			if (err == nil) != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, err)
			}
		})
	}
}

func TestTemplateRenderer(t *testing.T) {
	r, err := NewTemplateRenderer("")
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	d, err := r.Render(Request{Topic: "home composting", Keywords: []string{"soil", "worms"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if d.Title != "Home Composting: An Overview" {
		t.Fatalf("unexpected title %q", d.Title)
	}
	if !d.TemplateBased || !strings.Contains(d.Body, "soil, worms") || d.WordCount() < 75 {
		t.Fatalf("unexpected draft %+v", d)
	}
	again, _ := r.Render(Request{Topic: "home composting", Keywords: []string{"soil", "worms"}})
	if again != d {
		t.Fatalf("rendering is not deterministic")
	}

	if _, err := NewTemplateRenderer(`{{define "title"}}x{{end}}`); err == nil {
		t.Fatalf("expected error for template without body")
	}
}

type countingGenerator struct{ calls int }

func (g *countingGenerator) Generate(context.Context, Request) (Draft, error) {
	g.calls++
	return Draft{Body: "ok"}, nil
}

func TestRateLimitedGenerator(t *testing.T) {
	next := &countingGenerator{}
	g := NewRateLimitedGenerator(next, 0.001, 1)

	if _, err := g.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, Request{})
	var fe *failure.Error
	if !errors.As(err, &fe) || !fe.Retryable {
		t.Fatalf("expected transient rate limit failure, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", next.calls)
	}
}
