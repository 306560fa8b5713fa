package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NormalizeURL produces the canonical form of a locator used for identity:
// lowercased scheme and host, default ports and fragments dropped, query
// parameters sorted, trailing slash trimmed. The fetch path keeps the raw
// URL; normalization only feeds fingerprints.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	switch {
	case parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	case parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}
	if parsed.Path != "/" {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}
	if parsed.RawQuery != "" {
		values := parsed.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vs := values[k]
			sort.Strings(vs)
			for _, v := range vs {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = b.String()
	}
	return parsed.String(), nil
}

// HostKey extracts the rate-limiting key for a URL: the lowercased hostname
// with any port stripped. Unparseable URLs map to the empty key, which
// bypasses the politeness gate.
func HostKey(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// Fingerprint derives the stable task identity from the normalized locator
// and the source name. Unparseable locators fall back to the raw string so a
// bad seed still gets a consistent identity.
func Fingerprint(rawURL, source string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		normalized = rawURL
	}
	sum := sha256.Sum256([]byte(source + "\n" + normalized))
	return hex.EncodeToString(sum[:])
}

// RecordID derives a deterministic UUID (v5 over the URL namespace) for one
// extracted item, so duplicate outcome delivery and scheduled re-crawls
// upsert the same row.
func RecordID(source, itemURL, name string) string {
	normalized, err := NormalizeURL(itemURL)
	if err != nil || normalized == "" {
		normalized = itemURL
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"\n"+normalized+"\n"+name)).String()
}
