package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/answermesh/answermesh/internal/llm"
	"github.com/answermesh/answermesh/internal/store"
)

// LocationClassifier tags questions that ask for a geographic place.
// Location questions are forced into string-distance search even when
// small: embeddings score "Paris, TX" and "Paris, TN" as near-identical.
type LocationClassifier interface {
	IsLocation(ctx context.Context, q *store.Question) (bool, error)
}

// KeywordClassifier is the zero-cost default: a keyword scan over the
// question text.
type KeywordClassifier struct{}

var locationKeywords = []string{
	"where do you live", "where are you located", "which city", "what city",
	"which state", "what state", "which county", "which country",
	"what country", "zip code", "postal code", "your location",
	"your hometown", "which town", "which region", "which province",
}

func (KeywordClassifier) IsLocation(_ context.Context, q *store.Question) (bool, error) {
	text := strings.ToLower(q.Text)
	for _, kw := range locationKeywords {
		if strings.Contains(text, kw) {
			return true, nil
		}
	}
	return false, nil
}

const locationSystemPrompt = `You classify survey questions. Answer with exactly one word, YES or NO: does the question ask the respondent for a geographic location (city, state, county, country, region, postal code)?`

// LLMClassifier asks the provider when the keyword scan is too blunt for
// a locale. Falls back to the keyword scan on transient provider failure
// so classification never stalls a run.
type LLMClassifier struct {
	Provider llm.Provider
	Fallback KeywordClassifier
}

func (c *LLMClassifier) IsLocation(ctx context.Context, q *store.Question) (bool, error) {
	resp, err := c.Provider.Complete(ctx, q.Text, llm.CompletionOpts{
		System:      locationSystemPrompt,
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		if llm.IsTransient(err) {
			return c.Fallback.IsLocation(ctx, q)
		}
		return false, fmt.Errorf("classifying %q: %w", q.ID, err)
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(resp)), "YES"), nil
}
