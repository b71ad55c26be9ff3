package rules

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/utils"
)

// HTTPFetcher downloads the whitelist with a plain GET.
type HTTPFetcher struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", &FetchError{Source: f.url, Reason: ReasonTransport, Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{Source: f.url, Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &FetchError{Source: f.url, Reason: ReasonStatus, StatusCode: resp.StatusCode}
	}

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxWhitelistSize)
	if err != nil {
		var sizeErr *utils.SizeError
		if errors.As(err, &sizeErr) {
			return "", &FetchError{Source: f.url, Reason: ReasonSize, Err: err}
		}
		return "", &FetchError{Source: f.url, Reason: ReasonTransport, Err: err}
	}

	doc, err := checkBody(f.url, data)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"bytes":  len(data),
		"status": resp.StatusCode,
	}).Debug("Fetched whitelist over HTTP")

	return doc, nil
}
