// Package audit records every enforcement state change in a JSON-lines file
// so that operators can reconstruct when and why a machine was unfiltered.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event
type EventType string

const (
	// Enforcement
	EventFirewallActivated   EventType = "FIREWALL_ACTIVATED"
	EventFirewallDeactivated EventType = "FIREWALL_DEACTIVATED"
	EventFailOpen            EventType = "FAIL_OPEN"
	EventEmergencyDisabled   EventType = "EMERGENCY_DISABLED"
	EventResolverApplied     EventType = "RESOLVER_APPLIED"

	// Watchdog
	EventWatchdogRecovered EventType = "WATCHDOG_RECOVERED"
	EventWatchdogFailed    EventType = "WATCHDOG_FAILED"
	EventFailureReset      EventType = "FAILURE_COUNTER_RESET"

	// Captive portal
	EventCaptiveDetected EventType = "CAPTIVE_PORTAL_DETECTED"
	EventCaptiveCleared  EventType = "CAPTIVE_PORTAL_CLEARED"

	// Operator actions
	EventEnforcementEnabled  EventType = "ENFORCEMENT_ENABLED"
	EventEnforcementDisabled EventType = "ENFORCEMENT_DISABLED"

	// Service lifecycle
	EventServiceStart EventType = "SERVICE_START"
	EventServiceStop  EventType = "SERVICE_STOP"
)

// Event represents an audit log entry
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ProcessID   int                    `json:"process_id"`
	ProcessName string                 `json:"process_name"`
}

// Logger handles audit logging
type Logger struct {
	file    *os.File
	encoder *json.Encoder
	logPath string
}

var (
	mu            sync.Mutex
	defaultLogger *Logger
)

// Initialize opens today's audit file in dir. Calling it again replaces the
// current file.
func Initialize(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	mu.Lock()
	if defaultLogger != nil {
		defaultLogger.file.Close()
	}
	defaultLogger = &Logger{
		file:    file,
		encoder: json.NewEncoder(file),
		logPath: logPath,
	}
	mu.Unlock()

	return nil
}

// Log records an audit event
func Log(eventType EventType, severity string, message string, details map[string]interface{}) {
	logrus.WithFields(logrus.Fields{
		"audit_type": eventType,
		"severity":   severity,
		"details":    details,
	}).Info(message)

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		return
	}

	event := Event{
		Timestamp:   time.Now(),
		Type:        eventType,
		Severity:    severity,
		Message:     message,
		Details:     details,
		ProcessID:   os.Getpid(),
		ProcessName: filepath.Base(os.Args[0]),
	}
	if err := defaultLogger.encoder.Encode(event); err != nil {
		logrus.WithError(err).Error("Failed to write audit log")
	}
}

// LogFailOpen records a transition to fail-open with its cause.
func LogFailOpen(reason string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["reason"] = reason
	Log(EventFailOpen, "critical", "Enforcement suspended: "+reason, details)
}

// LogFirewall records a firewall state change and who caused it.
func LogFirewall(active bool, component, reason string) {
	eventType, msg := EventFirewallDeactivated, "Firewall deactivated"
	if active {
		eventType, msg = EventFirewallActivated, "Firewall activated"
	}
	Log(eventType, "warning", msg, map[string]interface{}{
		"component": component,
		"reason":    reason,
	})
}

// Close closes the audit logger
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		return nil
	}
	err := defaultLogger.file.Close()
	defaultLogger = nil
	return err
}

// GetLogPath returns the current audit log path
func GetLogPath() string {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger != nil {
		return defaultLogger.logPath
	}
	return ""
}
