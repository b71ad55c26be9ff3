// Package store persists the daemon's durable state: the last known good
// whitelist, the applied resolver configuration hash, the watchdog failure
// counter, health status, detected upstream servers and the enforcement mode.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a value has never been stored.
var ErrNotFound = errors.New("not found")

// Status is the outcome recorded by a watchdog run.
type Status string

const (
	StatusOK        Status = "OK"
	StatusWarning   Status = "WARNING"
	StatusCritical  Status = "CRITICAL"
	StatusRecovered Status = "RECOVERED"
	StatusFailed    Status = "FAILED"
	StatusFailOpen  Status = "FAIL_OPEN"
)

// Mode is the persisted enforcement mode.
type Mode string

const (
	// ModeEnforcing is the normal mode; the firewall may be activated.
	ModeEnforcing Mode = "enforcing"
	// ModeFailOpen is set by every fail-open transition and cleared by the
	// next successful update.
	ModeFailOpen Mode = "fail-open"
	// ModeDisabled is set by an operator and survives updates until enabled.
	ModeDisabled Mode = "disabled"
)

// HealthStatus is the last watchdog result.
type HealthStatus struct {
	Timestamp time.Time       `json:"timestamp"`
	Status    Status          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	FailCount int             `json:"fail_count"`
}

// Store is the persistent state shared by the updater, watchdog and captive
// portal detector. Implementations must make every write atomic.
type Store interface {
	LoadWhitelist() (string, error)
	SaveWhitelist(doc string) error

	LoadHash() (string, error)
	SaveHash(hash string) error

	// LoadFailCount returns 0 when no counter has been stored.
	LoadFailCount() (int, error)
	SaveFailCount(n int) error

	LoadHealth() (*HealthStatus, error)
	SaveHealth(h *HealthStatus) error

	LoadUpstreams() ([]string, error)
	SaveUpstreams(servers []string) error

	// LoadMode returns ModeEnforcing when no mode has been stored.
	LoadMode() (Mode, error)
	SaveMode(m Mode) error

	ReadResolverConfig() (string, error)
	WriteResolverConfig(content string) error
}
