package extract

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

// HTML extracts records from server-rendered catalog pages.
type HTML struct{}

// NewHTML builds an HTML extractor.
func NewHTML() *HTML {
	return &HTML{}
}

// Extract implements indexer.Extractor.
func (e *HTML) Extract(_ context.Context, body []byte, task indexer.Task) (indexer.Extraction, error) {
	rules := task.Payload.Rules
	if rules.ItemSelector == "" {
		return indexer.Extraction{}, fmt.Errorf("source %s has no item_selector rule", task.Source)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return indexer.Extraction{}, fmt.Errorf("parse catalog page: %w", err)
	}

	var (
		out     indexer.Extraction
		itemErr error
	)
	doc.Find(rules.ItemSelector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if rules.SkipSelector != "" && sel.Find(rules.SkipSelector).Length() > 0 {
			return true
		}
		record, err := e.itemRecord(sel, task)
		if err != nil {
			itemErr = fmt.Errorf("catalog item %d: %w", i, err)
			return false
		}
		out.Records = append(out.Records, record)
		return true
	})
	if itemErr != nil {
		return indexer.Extraction{}, itemErr
	}

	discovered, err := e.discoverPages(doc, task)
	if err != nil {
		return indexer.Extraction{}, err
	}
	out.Discovered = discovered
	return out, nil
}

func (e *HTML) itemRecord(sel *goquery.Selection, task indexer.Task) (indexer.Record, error) {
	rules := task.Payload.Rules

	name := elementText(sel, rules.NameSelector)
	if name == "" {
		return indexer.Record{}, fmt.Errorf("no text for %q", rules.NameSelector)
	}
	priceText := elementText(sel, rules.PriceSelector)
	if priceText == "" {
		return indexer.Record{}, fmt.Errorf("no text for %q", rules.PriceSelector)
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return indexer.Record{}, err
	}

	recordURL := task.URL
	if href := elementAttr(sel, rules.LinkSelector, "href"); href != "" {
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
	if saleText := elementText(sel, rules.SalePriceSelector); saleText != "" {
		sale, err := ParsePrice(saleText)
		if err != nil {
			return indexer.Record{}, fmt.Errorf("sale price: %w", err)
		}
		record.SalePrice = &sale
	}
	if image := e.imageURL(sel, rules.ImageSelector); image != "" {
		record.ImageURL = resolveURL(task.URL, image)
	}
	if description := elementText(sel, rules.DescriptionSelector); description != "" {
		record.Description = description
	}
	return record, nil
}

// imageURL prefers a real data-src over src because lazy-loading themes put
// a placeholder in src.
func (e *HTML) imageURL(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	img := sel.Find(selector).First()
	if dataSrc, ok := img.Attr("data-src"); ok {
		dataSrc = strings.TrimSpace(dataSrc)
		if strings.HasPrefix(dataSrc, "https") && !strings.Contains(dataSrc, "lazy") {
			return dataSrc
		}
	}
	src, _ := img.Attr("src")
	return strings.TrimSpace(src)
}

// discoverPages follows a next-page link when the source has one, or fans out
// all remaining pages when the page count is printed in the pagination bar.
func (e *HTML) discoverPages(doc *goquery.Document, task indexer.Task) ([]indexer.Task, error) {
	rules := task.Payload.Rules
	max := task.Payload.MaxPages

	if rules.NextPageSelector != "" {
		if max > 0 && task.Page+1 > max {
			return nil, nil
		}
		href, ok := doc.Find(rules.NextPageSelector).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return nil, nil
		}
		nextURL := resolveURL(task.URL, strings.TrimSpace(href))
		next := indexer.NewTask(task.Source, task.Epoch, task.Priority, task.Page+1, nextURL, task.Payload)
		return []indexer.Task{next}, nil
	}

	if rules.TotalPagesSelector == "" || task.Page > 1 {
		return nil, nil
	}
	if task.Payload.URLTemplate == "" && task.Payload.PageParam == "" {
		return nil, nil
	}
	links := doc.Find(rules.TotalPagesSelector)
	if links.Length() == 0 {
		return nil, nil
	}
	lastText := strings.TrimSpace(links.Last().Text())
	total, err := strconv.Atoi(lastText)
	if err != nil {
		return nil, fmt.Errorf("parse page count %q: %w", lastText, err)
	}
	if max > 0 && total > max {
		total = max
	}

	var discovered []indexer.Task
	for page := 2; page <= total; page++ {
		pageURL := indexer.PageURL(task.URL, task.Payload, page)
		discovered = append(discovered, indexer.NewTask(task.Source, task.Epoch, task.Priority, page, pageURL, task.Payload))
	}
	return discovered, nil
}

func elementText(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(sel.Find(selector).First().Text())
}

func elementAttr(sel *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	value, _ := sel.Find(selector).First().Attr(attr)
	return strings.TrimSpace(value)
}
