// Package captive detects captive portals and suspends egress enforcement
// while one is in the way, so that users can authenticate to the network.
package captive

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/utils"
)

// Prober reports whether a captive portal is intercepting traffic.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber fetches a known URL and compares the body with the expected
// text. Redirects are not followed: a portal redirect is itself a positive.
type HTTPProber struct {
	url      string
	expected string
	timeout  time.Duration
	client   *http.Client
}

func NewHTTPProber(url, expected string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:      url,
		expected: strings.TrimSpace(expected),
		timeout:  timeout,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe returns true (portal present) on any outcome other than a 2xx
// response whose trimmed body equals the expected text.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		logrus.WithError(err).Warn("Invalid captive portal probe URL")
		return true
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("Captive portal probe failed")
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithField("status", resp.StatusCode).Debug("Captive portal probe got unexpected status")
		return true
	}

	body, err := utils.ReadAllLimited(resp.Body, utils.MaxProbeBodySize)
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(body)) != p.expected
}
