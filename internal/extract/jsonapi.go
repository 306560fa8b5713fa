package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// JSONAPI extracts records from JSON catalog responses. Catalog APIs nest
// their payloads deeply and inconsistently, so fields are addressed by
// dot-separated paths instead of generated types.
type JSONAPI struct{}

// NewJSONAPI builds a JSONAPI extractor.
func NewJSONAPI() *JSONAPI {
	return &JSONAPI{}
}

// Extract implements indexer.Extractor.
func (e *JSONAPI) Extract(_ context.Context, body []byte, task indexer.Task) (indexer.Extraction, error) {
	rules := task.Payload.Rules
	if rules.ItemsPath == "" {
		return indexer.Extraction{}, fmt.Errorf("source %s has no items_path rule", task.Source)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return indexer.Extraction{}, fmt.Errorf("decode catalog response: %w", err)
	}

	itemsValue, ok := lookupPath(doc, rules.ItemsPath)
	if !ok {
		return indexer.Extraction{}, fmt.Errorf("catalog response missing %q", rules.ItemsPath)
	}
	items, ok := itemsValue.([]any)
	if !ok {
		return indexer.Extraction{}, fmt.Errorf("catalog field %q is not an array", rules.ItemsPath)
	}

	var out indexer.Extraction
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return indexer.Extraction{}, fmt.Errorf("catalog item %d is not an object", i)
		}
		if rules.InStockPath != "" {
			if inStock, found := boolAt(item, rules.InStockPath); found && !inStock {
				continue
			}
		}
		record, err := e.itemRecord(item, task)
		if err != nil {
			return indexer.Extraction{}, fmt.Errorf("catalog item %d: %w", i, err)
		}
		out.Records = append(out.Records, record)
	}

	out.Discovered = e.discoverPages(doc, task)
	return out, nil
}

func (e *JSONAPI) itemRecord(item map[string]any, task indexer.Task) (indexer.Record, error) {
	rules := task.Payload.Rules

	name, ok := stringAt(item, rules.NamePath)
	if !ok || name == "" {
		return indexer.Record{}, fmt.Errorf("missing %q", rules.NamePath)
	}
	price, ok := numberAt(item, rules.PricePath)
	if !ok {
		return indexer.Record{}, fmt.Errorf("missing or invalid %q", rules.PricePath)
	}

	recordURL := task.URL
	if href, found := stringAt(item, rules.URLPath); found && href != "" {
		recordURL = resolveURL(task.URL, href)
	}

	record := indexer.Record{
		ID:           indexer.RecordID(task.Source, recordURL, name),
		Source:       task.Source,
		Epoch:        task.Epoch,
		Name:         name,
		URL:          recordURL,
		Category:     task.Payload.Category,
		RegularPrice: price,
		Currency:     task.Payload.Currency,
	}
	if sale, found := numberAt(item, rules.SalePricePath); found {
		record.SalePrice = &sale
	}
	if image, found := stringAt(item, rules.ImagePath); found {
		record.ImageURL = resolveURL(task.URL, image)
	}
	if description, found := stringAt(item, rules.DescriptionPath); found {
		record.Description = description
	}
	return record, nil
}

// discoverPages enqueues the remaining catalog pages once the first response
// reveals the page count. Later pages skip discovery; the dedup layer would
// reject the duplicates anyway.
func (e *JSONAPI) discoverPages(doc any, task indexer.Task) []indexer.Task {
	rules := task.Payload.Rules
	if rules.TotalPagesPath == "" || task.Page > 1 {
		return nil
	}
	if task.Payload.URLTemplate == "" && task.Payload.PageParam == "" {
		return nil
	}
	totalValue, ok := numberAt(doc, rules.TotalPagesPath)
	if !ok {
		return nil
	}
	total := int(totalValue)
	if max := task.Payload.MaxPages; max > 0 && total > max {
		total = max
	}

	var discovered []indexer.Task
	for page := 2; page <= total; page++ {
		pageURL := indexer.PageURL(task.URL, task.Payload, page)
		discovered = append(discovered, indexer.NewTask(task.Source, task.Epoch, task.Priority, page, pageURL, task.Payload))
	}
	return discovered
}

// lookupPath walks a decoded JSON value along a dot-separated key path.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := v
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringAt(v any, path string) (string, bool) {
	value, ok := lookupPath(v, path)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return strings.TrimSpace(s), ok
}

func boolAt(v any, path string) (bool, bool) {
	value, ok := lookupPath(v, path)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// numberAt reads a numeric field that sites publish either as a JSON number
// or as a display string like "$1,299.99".
func numberAt(v any, path string) (float64, bool) {
	value, ok := lookupPath(v, path)
	if !ok {
		return 0, false
	}
	switch n := value.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := ParsePrice(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
