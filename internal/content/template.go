package content

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"
)

const defaultTemplate = `{{define "title"}}{{title .Topic}}: An Overview{{end}}
{{- define "body"}}This article introduces {{.Topic}}.
{{- if .Keywords}} It touches on {{join .Keywords ", "}}.{{end}}

{{title .Topic}} is a subject that readers regularly ask about. The sections below summarise the
essentials and point to the questions worth exploring further.

What is {{.Topic}}? In short, it is an area with practical relevance for anyone working nearby.
Understanding the basics helps when evaluating options and making decisions.

Why it matters: {{.Topic}} shapes everyday choices, and a clear picture of the fundamentals avoids
common mistakes.

Next steps: review trusted sources on {{.Topic}}, compare approaches and revisit this overview as
the topic evolves.
{{end}}`

// TemplateRenderer produces a deterministic draft from a request without
// calling any generator.
type TemplateRenderer struct {
	tmpl *template.Template
}

// NewTemplateRenderer parses src, which must define "title" and "body"
// templates. An empty src uses the built-in template.
func NewTemplateRenderer(src string) (*TemplateRenderer, error) {
	if src == "" {
		src = defaultTemplate
	}
	tmpl, err := template.New("fallback").Funcs(template.FuncMap{
		"join":  strings.Join,
		"title": titleCase,
	}).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse fallback template: %w", err)
	}
	for _, name := range []string{"title", "body"} {
		if tmpl.Lookup(name) == nil {
			return nil, fmt.Errorf("fallback template must define %q", name)
		}
	}
	return &TemplateRenderer{tmpl: tmpl}, nil
}

func (r *TemplateRenderer) Render(req Request) (Draft, error) {
	var title, body bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&title, "title", req); err != nil {
		return Draft{}, fmt.Errorf("render title: %w", err)
	}
	if err := r.tmpl.ExecuteTemplate(&body, "body", req); err != nil {
		return Draft{}, fmt.Errorf("render body: %w", err)
	}
	return Draft{
		Title:         strings.TrimSpace(title.String()),
		Body:          strings.TrimSpace(body.String()),
		TemplateBased: true,
	}, nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
