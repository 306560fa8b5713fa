package indexer

import "errors"

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrBlockedByPolicy is returned by fetchers when the target host's crawl
// policy forbids the URL. Blocked URLs are never retried.
var ErrBlockedByPolicy = errors.New("blocked by host policy")
