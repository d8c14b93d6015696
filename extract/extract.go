// Package extract derives structured knowledge from item text via an
// LLM behind an OpenRouter-compatible chat-completions API.
package extract

import (
	"context"
	"time"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/source"
)

// Valid sentiment values. Anything else fails schema validation.
var validSentiments = map[string]bool{
	"positive": true,
	"negative": true,
	"neutral":  true,
	"mixed":    true,
}

// Result is the structured extraction for one item. At most one current
// result exists per item; re-extraction overwrites.
type Result struct {
	ItemID       string    `json:"item_id"`
	Entities     []string  `json:"entities"`
	Topics       []string  `json:"topics"`
	Sentiment    string    `json:"sentiment"`
	Summary      string    `json:"summary"`
	Truncated    bool      `json:"truncated"`
	ExtractedAt  time.Time `json:"extracted_at"`
	ModelVersion string    `json:"model_version"`

	// Reprompted records that the first response was malformed and this
	// result came from the stricter re-prompt. Not persisted.
	Reprompted bool `json:"-"`
}

// Validate checks the result against the output schema: non-empty
// summary, known sentiment, entity and topic lists present (empty is
// fine, absent is not — the decoder normalizes nil to empty).
func (r *Result) Validate() error {
	if r.Summary == "" {
		return errors.Wrap(errors.ErrMalformedResponse, "empty summary")
	}
	if !validSentiments[r.Sentiment] {
		return errors.Wrapf(errors.ErrMalformedResponse, "unknown sentiment %q", r.Sentiment)
	}
	return nil
}

// Extractor is the capability the orchestrator depends on. The concrete
// implementation is Client; tests substitute fakes.
type Extractor interface {
	Extract(ctx context.Context, item source.Item) (*Result, error)
}
