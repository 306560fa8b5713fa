// Package indexer defines core types shared across the crawl pipeline.
package indexer

import (
	"net/http"
	"time"
)

// SourceType selects the extractor used for a source's responses.
type SourceType string

// Supported source types.
const (
	SourceTypeJSONAPI SourceType = "jsonapi"
	SourceTypeHTML    SourceType = "html"
)

// Task is one unit of crawl work: a single page of a single source.
type Task struct {
	Fingerprint string      `json:"fingerprint"`
	Source      string      `json:"source"`
	Epoch       int64       `json:"epoch"`
	URL         string      `json:"url"`
	Host        string      `json:"host"`
	Priority    int         `json:"priority"`
	EligibleAt  time.Time   `json:"eligible_at"`
	Retries     int         `json:"retries"`
	Page        int         `json:"page"`
	Payload     TaskPayload `json:"payload"`
}

// TaskPayload carries the source-specific parameters a worker needs to fetch
// and extract one page without consulting any shared state.
type TaskPayload struct {
	Type     SourceType `json:"type"`
	Category string     `json:"category,omitempty"`
	Currency string     `json:"currency,omitempty"`
	// MaxPages caps pagination discovery; 0 means no cap.
	MaxPages int `json:"max_pages,omitempty"`
	// URLTemplate builds page URLs by replacing the {page} placeholder.
	// When empty, PageParam names a query parameter to set instead.
	URLTemplate string            `json:"url_template,omitempty"`
	PageParam   string            `json:"page_param,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Rules       ExtractRules      `json:"rules"`
}

// ExtractRules maps response content to record fields. JSON sources address
// fields by dot-separated paths; HTML sources by CSS selectors.
type ExtractRules struct {
	// JSON catalog sources.
	ItemsPath       string `json:"items_path,omitempty"`
	TotalPagesPath  string `json:"total_pages_path,omitempty"`
	NamePath        string `json:"name_path,omitempty"`
	URLPath         string `json:"url_path,omitempty"`
	PricePath       string `json:"price_path,omitempty"`
	SalePricePath   string `json:"sale_price_path,omitempty"`
	ImagePath       string `json:"image_path,omitempty"`
	DescriptionPath string `json:"description_path,omitempty"`
	// InStockPath, when set, skips items whose value resolves to false.
	InStockPath string `json:"in_stock_path,omitempty"`

	// HTML catalog sources.
	ItemSelector        string `json:"item_selector,omitempty"`
	NameSelector        string `json:"name_selector,omitempty"`
	PriceSelector       string `json:"price_selector,omitempty"`
	SalePriceSelector   string `json:"sale_price_selector,omitempty"`
	LinkSelector        string `json:"link_selector,omitempty"`
	ImageSelector       string `json:"image_selector,omitempty"`
	DescriptionSelector string `json:"description_selector,omitempty"`
	// SkipSelector, when set, skips items containing a matching element,
	// typically an out-of-stock badge.
	SkipSelector string `json:"skip_selector,omitempty"`
	// NextPageSelector locates the link to the following catalog page.
	NextPageSelector string `json:"next_page_selector,omitempty"`
	// TotalPagesSelector locates page-number links; the last match's text is
	// the page count.
	TotalPagesSelector string `json:"total_pages_selector,omitempty"`
}

// Record is one extracted price observation, the unit handed to storage.
// IDs are deterministic so re-delivery and re-crawls upsert instead of
// duplicating.
type Record struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	Epoch        int64             `json:"epoch"`
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Category     string            `json:"category,omitempty"`
	RegularPrice float64           `json:"regular_price"`
	SalePrice    *float64          `json:"sale_price,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Description  string            `json:"description,omitempty"`
	ImageURL     string            `json:"image_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ObservedAt   time.Time         `json:"observed_at"`
}

// Run aggregates pipeline counters per (source, epoch).
type Run struct {
	Source          string    `json:"source"`
	Epoch           int64     `json:"epoch"`
	TasksDispatched int64     `json:"tasks_dispatched"`
	RecordsStored   int64     `json:"records_stored"`
	Retries         int64     `json:"retries"`
	Failures        int64     `json:"failures"`
	BytesFetched    int64     `json:"bytes_fetched"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// RunDelta is one increment applied to a Run's counters.
type RunDelta struct {
	Source     string
	Epoch      int64
	Dispatched int64
	Records    int64
	Retries    int64
	Failures   int64
	Bytes      int64
	At         time.Time
}

// OutcomeKind classifies the result of one fetch attempt.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeRetryable   OutcomeKind = "retryable_failure"
	OutcomePermanent   OutcomeKind = "permanent_failure"
	OutcomeRateLimited OutcomeKind = "rate_limited"
)

// FailureReason narrows why a fetch attempt did not produce records.
type FailureReason string

// Failure reasons attached to non-success outcomes.
const (
	ReasonTimeout          FailureReason = "timeout"
	ReasonNetwork          FailureReason = "network"
	ReasonServerError      FailureReason = "server_error"
	ReasonClientError      FailureReason = "client_error"
	ReasonParse            FailureReason = "parse"
	ReasonRetriesExhausted FailureReason = "retries_exhausted"
	ReasonStorage          FailureReason = "storage"
)

// Outcome is the typed result of one fetch attempt. Workers produce it; only
// the coordinator acts on it.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Reason     FailureReason `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Records    []Record      `json:"records,omitempty"`
	Discovered []Task        `json:"discovered,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	BodyBytes  int64         `json:"body_bytes"`
	Duration   time.Duration `json:"duration"`
	ArchiveURI string        `json:"archive_uri,omitempty"`
}

// Result pairs a dispatched task with its outcome on the results channel.
type Result struct {
	Task    Task
	Outcome Outcome
}

// Extraction is what an extractor yields from one response body.
type Extraction struct {
	Records    []Record
	Discovered []Task
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL     string
	Host    string
	Headers http.Header
}

// FetchResponse is the transport-level result returned by a Fetcher.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
