package degrade

import (
	"fmt"

	"content-job-engine/internal/models"
)

// Name identifies a degradation strategy.
type Name string

const (
	AlternateConfig   Name = "alternate_config"
	SimplifiedRequest Name = "simplified_request"
	TemplateFallback  Name = "template_fallback"
	RelaxedValidation Name = "relaxed_validation"
	SkipValidation    Name = "skip_validation"
	ManualPublish     Name = "manual_publish"
	DefaultCategories Name = "default_categories"
	SkipTaxonomy      Name = "skip_taxonomy"
)

// strategyCategory pins each strategy to the only category it can repair.
var strategyCategory = map[Name]models.FailureCategory{
	AlternateConfig:   models.CategoryGeneration,
	SimplifiedRequest: models.CategoryGeneration,
	TemplateFallback:  models.CategoryGeneration,
	RelaxedValidation: models.CategoryValidation,
	SkipValidation:    models.CategoryValidation,
	ManualPublish:     models.CategoryPublish,
	DefaultCategories: models.CategoryTaxonomy,
	SkipTaxonomy:      models.CategoryTaxonomy,
}

// Table lists, per failure category, the strategies to use in attempt order.
// Categories absent from the table have no strategies.
type Table map[models.FailureCategory][]Name

// DefaultTable is the strategy order used unless overridden by configuration.
func DefaultTable() Table {
	return Table{
		models.CategoryGeneration: {AlternateConfig, SimplifiedRequest, TemplateFallback},
		models.CategoryValidation: {RelaxedValidation, SkipValidation},
		models.CategoryPublish:    {ManualPublish},
		models.CategoryTaxonomy:   {DefaultCategories, SkipTaxonomy},
	}
}

// WithOverrides returns a copy of t with the lists in overrides, keyed by
// category name, replacing the defaults. Unknown categories or strategies,
// and strategies listed under the wrong category, are rejected.
func (t Table) WithOverrides(overrides map[string][]string) (Table, error) {
	out := make(Table, len(t))
	for cat, names := range t {
		out[cat] = append([]Name(nil), names...)
	}
	for catName, names := range overrides {
		cat := models.FailureCategory(catName)
		list := make([]Name, 0, len(names))
		for _, n := range names {
			owner, ok := strategyCategory[Name(n)]
			if !ok {
				return nil, fmt.Errorf("unknown degradation strategy %q", n)
			}
			if owner != cat {
				return nil, fmt.Errorf("strategy %q cannot handle %s failures", n, cat)
			}
			list = append(list, Name(n))
		}
		out[cat] = list
	}
	return out, nil
}

// Select returns the strategy for the given attempt index. It depends only on
// its arguments and the table contents.
func (t Table) Select(cat models.FailureCategory, attempt int) (Name, bool) {
	list := t[cat]
	if attempt < 0 || attempt >= len(list) {
		return "", false
	}
	return list[attempt], true
}

// HasStrategy reports whether Select would return a strategy.
func (t Table) HasStrategy(cat models.FailureCategory, attempt int) bool {
	_, ok := t.Select(cat, attempt)
	return ok
}
