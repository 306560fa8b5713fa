// Package events carries pipeline milestones from the coordinator to
// pluggable sinks. Emission never blocks the dispatch loop; a full buffer
// drops events and accounts for the loss.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names the pipeline milestone an Event records.
type Kind string

// Supported event kinds.
const (
	KindDispatched     Kind = "dispatched"
	KindSucceeded      Kind = "succeeded"
	KindRetryScheduled Kind = "retry_scheduled"
	KindRetired        Kind = "retired"
	KindStorageAlert   Kind = "storage_alert"
	KindSeeded         Kind = "seeded"
)

// Event is one pipeline milestone scoped to a (source, epoch) crawl run.
type Event struct {
	// Source names the configured crawl source.
	Source string `json:"source"`
	// Epoch is the re-seed generation the task belongs to.
	Epoch int64 `json:"epoch"`
	// Kind denotes which milestone occurred.
	Kind Kind `json:"kind"`
	// Host scopes fetch milestones to a hostname label.
	Host string `json:"host,omitempty"`
	// URL is the page the task targeted; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// Records counts price records stored for a success.
	Records int64 `json:"records,omitempty"`
	// Bytes is the response size of the fetch, when one happened.
	Bytes int64 `json:"bytes,omitempty"`
	// StatusCode is the HTTP status of the fetch, when one happened.
	StatusCode int `json:"status_code,omitempty"`
	// Dur is the fetch latency.
	Dur time.Duration `json:"dur,omitempty"`
	// At is the UTC timestamp recorded by the emitter.
	At time.Time `json:"at"`
	// Note attaches low-volume context such as a failure reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindDispatched, KindSucceeded, KindRetryScheduled, KindRetired,
		KindStorageAlert, KindSeeded:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
