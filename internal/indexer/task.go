package indexer

import (
	"net/url"
	"strconv"
	"strings"
)

// NewTask builds a task for one page of a source, deriving the fingerprint
// and host key from the URL. EligibleAt is left zero, meaning immediately
// eligible.
func NewTask(source string, epoch int64, priority, page int, rawURL string, payload TaskPayload) Task {
	return Task{
		Fingerprint: Fingerprint(rawURL, source),
		Source:      source,
		Epoch:       epoch,
		URL:         rawURL,
		Host:        HostKey(rawURL),
		Priority:    priority,
		Page:        page,
		Payload:     payload,
	}
}

// PageURL materializes the URL for the given page number. A URL template
// takes precedence; otherwise the configured query parameter is set on the
// base URL. With neither configured the base URL is returned unchanged.
func PageURL(base string, payload TaskPayload, page int) string {
	if payload.URLTemplate != "" {
		return strings.ReplaceAll(payload.URLTemplate, "{page}", strconv.Itoa(page))
	}
	if payload.PageParam != "" {
		u, err := url.Parse(base)
		if err != nil {
			return base
		}
		q := u.Query()
		q.Set(payload.PageParam, strconv.Itoa(page))
		u.RawQuery = q.Encode()
		return u.String()
	}
	return base
}
