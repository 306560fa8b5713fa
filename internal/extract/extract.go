// Package extract turns fetched response bodies into price records using the
// extraction rules carried by each task.
package extract

import (
	"context"
	"fmt"
	"net/url"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// Registry dispatches to the extractor matching a task's source type.
type Registry struct {
	extractors map[indexer.SourceType]indexer.Extractor
}

// NewRegistry builds a Registry with the JSON API and HTML extractors
// registered.
func NewRegistry() *Registry {
	return &Registry{
		extractors: map[indexer.SourceType]indexer.Extractor{
			indexer.SourceTypeJSONAPI: NewJSONAPI(),
			indexer.SourceTypeHTML:    NewHTML(),
		},
	}
}

// Extract implements indexer.Extractor by delegating on the task's type.
func (r *Registry) Extract(ctx context.Context, body []byte, task indexer.Task) (indexer.Extraction, error) {
	ex, ok := r.extractors[task.Payload.Type]
	if !ok {
		return indexer.Extraction{}, fmt.Errorf("no extractor registered for source type %q", task.Payload.Type)
	}
	return ex.Extract(ctx, body, task)
}

// resolveURL makes href absolute against the page it came from. Invalid
// inputs are passed through so the caller stores what the site published.
func resolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
