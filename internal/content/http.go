package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"content-job-engine/internal/failure"
	"content-job-engine/internal/models"
)

// maxResponseBytes bounds how much of a collaborator response is read.
const maxResponseBytes = 4 * 1024 * 1024

type jsonClient struct {
	baseURL    string
	httpClient *http.Client
}

func newJSONClient(baseURL string, timeout time.Duration) jsonClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return jsonClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// post sends in as JSON and decodes the response into out. Transport errors
// and non-2xx statuses are classified under cat.
func (c jsonClient) post(ctx context.Context, path string, cat models.FailureCategory, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return failure.Permanent(models.CategoryInput, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return failure.Permanent(cat, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure.Classify(fmt.Errorf("%s request: %w", cat, err), cat)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure.Transient(cat, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return failure.Classify(&failure.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}, cat)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.Transient(cat, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HTTPGenerator calls a generation service at POST {base}/generate.
type HTTPGenerator struct {
	client jsonClient
}

func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{client: newJSONClient(baseURL, timeout)}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	var out Draft
	if err := g.client.post(ctx, "/generate", models.CategoryGeneration, req, &out); err != nil {
		return Draft{}, err
	}
	return out, nil
}

// HTTPTaxonomy calls POST {base}/categorize.
type HTTPTaxonomy struct {
	client jsonClient
}

func NewHTTPTaxonomy(baseURL string, timeout time.Duration) *HTTPTaxonomy {
	return &HTTPTaxonomy{client: newJSONClient(baseURL, timeout)}
}

func (t *HTTPTaxonomy) Resolve(ctx context.Context, d Draft) ([]string, error) {
	var out struct {
		Categories []string `json:"categories"`
	}
	if err := t.client.post(ctx, "/categorize", models.CategoryTaxonomy, d, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

// HTTPPublisher calls POST {base}/posts.
type HTTPPublisher struct {
	client jsonClient
}

func NewHTTPPublisher(baseURL string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{client: newJSONClient(baseURL, timeout)}
}

func (p *HTTPPublisher) Publish(ctx context.Context, a Article) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := p.client.post(ctx, "/posts", models.CategoryPublish, a, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", failure.Transient(models.CategoryPublish, fmt.Errorf("publisher returned no id"))
	}
	return out.ID, nil
}
