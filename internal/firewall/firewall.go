// Package firewall restricts outbound traffic to destinations the local
// resolver has handed out, so that bypassing DNS does not bypass the whitelist.
package firewall

import (
	"context"
	"os/exec"
	"sync"
)

// State is the enforcement state of the firewall.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "inactive"
}

// Controller switches egress enforcement on and off. Activate and Deactivate
// are idempotent; Status may be called without holding the lock.
type Controller interface {
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Status(ctx context.Context) (State, error)
	// FlushAllowed forgets destinations learned under a previous
	// whitelist. Called after a new resolver configuration is applied.
	FlushAllowed(ctx context.Context) error
}

// Runner executes a host command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// MemoryController tracks state without touching the host.
type MemoryController struct {
	mu    sync.Mutex
	state State

	Activations   int
	Deactivations int
	Flushes       int
	// FailActivate makes Activate return this error when set.
	FailActivate error
}

func NewMemoryController() *MemoryController {
	return &MemoryController{}
}

func (m *MemoryController) Activate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailActivate != nil {
		return m.FailActivate
	}
	m.Activations++
	m.state = StateActive
	return nil
}

func (m *MemoryController) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deactivations++
	m.state = StateInactive
	return nil
}

func (m *MemoryController) Status(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryController) FlushAllowed(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushes++
	return nil
}

// Set forces the state, for setting up tests.
func (m *MemoryController) Set(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
