package utils

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxWhitelistSize is the maximum size for a whitelist document (8MB)
	MaxWhitelistSize = 8 * 1024 * 1024

	// MaxProbeBodySize bounds captive portal probe responses (64KB)
	MaxProbeBodySize = 64 * 1024

	// MaxDomainLength is the maximum length for a domain name
	MaxDomainLength = 253

	// MaxLabelLength is the maximum length of a single domain label
	MaxLabelLength = 63
)

// ReadAllLimited reads all data from r up to limit bytes
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	limited := &io.LimitedReader{R: r, N: limit + 1} // +1 to detect if limit exceeded
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > limit {
		return nil, &SizeError{Limit: limit}
	}

	return data, nil
}

// SizeError is returned by ReadAllLimited when the input exceeds its limit.
type SizeError struct {
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("data exceeds maximum size of %d bytes", e.Limit)
}

// ValidateDomainLength checks if a domain name is within acceptable length
func ValidateDomainLength(domain string) error {
	if len(domain) > MaxDomainLength {
		return fmt.Errorf("domain name exceeds maximum length of %d characters", MaxDomainLength)
	}

	for _, label := range strings.Split(domain, ".") {
		if len(label) > MaxLabelLength {
			return fmt.Errorf("domain label exceeds maximum length of %d characters", MaxLabelLength)
		}
	}

	return nil
}

// ConcurrencyLimiter provides a simple semaphore for limiting concurrent operations
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a new concurrency limiter
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, max),
	}
}

// AcquireContext acquires a slot, giving up when ctx is done.
func (cl *ConcurrencyLimiter) AcquireContext(ctx context.Context) error {
	select {
	case cl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot
func (cl *ConcurrencyLimiter) Release() {
	<-cl.sem
}

// TryAcquire attempts to acquire a slot without blocking
func (cl *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case cl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}
