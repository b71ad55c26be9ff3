// Package rules fetches and parses the whitelist document. The document is
// served over HTTP(S) or from S3 and is line oriented: one domain per line,
// grouped into sections by "## NAME" markers.
package rules

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"whitelistd/internal/config"
)

// Fetcher retrieves the raw whitelist document. A fetch is a single
// time-bounded attempt and never touches persistent state.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// FetchReason classifies a failed fetch.
type FetchReason string

const (
	ReasonTransport FetchReason = "transport"
	ReasonStatus    FetchReason = "status"
	ReasonEmpty     FetchReason = "empty"
	ReasonSize      FetchReason = "size"
)

// FetchError reports why a whitelist could not be fetched.
type FetchError struct {
	Source     string
	Reason     FetchReason
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Reason {
	case ReasonStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Source, e.StatusCode)
	case ReasonEmpty:
		return fmt.Sprintf("fetch %s: empty document", e.Source)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Source, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetcher picks a fetcher implementation from the source URL scheme.
func NewFetcher(cfg *config.SourceConfig) (Fetcher, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPFetcher(cfg.URL, cfg.Timeout), nil
	case "s3":
		return NewS3Fetcher(cfg)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// SourceHost returns the host name the fetcher must be able to resolve, so
// that the resolver configuration can keep it reachable.
func SourceHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if strings.EqualFold(u.Scheme, "s3") {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// checkBody applies the non-empty rule shared by every fetcher.
func checkBody(source string, data []byte) (string, error) {
	doc := string(data)
	if strings.TrimSpace(doc) == "" {
		return "", &FetchError{Source: source, Reason: ReasonEmpty}
	}
	return doc, nil
}
