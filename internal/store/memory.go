package store

import (
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu             sync.Mutex
	whitelist      *string
	hash           *string
	failCount      int
	health         *HealthStatus
	upstreams      []string
	mode           Mode
	resolverConfig *string

	// ResolverWrites counts WriteResolverConfig calls.
	ResolverWrites int
	// FailResolverWrite makes WriteResolverConfig fail when set.
	FailResolverWrite error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mode: ModeEnforcing}
}

func (m *MemoryStore) LoadWhitelist() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.whitelist == nil {
		return "", ErrNotFound
	}
	return *m.whitelist, nil
}

func (m *MemoryStore) SaveWhitelist(doc string) error {
	if strings.TrimSpace(doc) == "" {
		return fmt.Errorf("refusing to store empty whitelist")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist = &doc
	return nil
}

func (m *MemoryStore) LoadHash() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hash == nil {
		return "", ErrNotFound
	}
	return *m.hash, nil
}

func (m *MemoryStore) SaveHash(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash = &hash
	return nil
}

func (m *MemoryStore) LoadFailCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount, nil
}

func (m *MemoryStore) SaveFailCount(n int) error {
	if n < 0 {
		return fmt.Errorf("negative failure counter %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	return nil
}

func (m *MemoryStore) LoadHealth() (*HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == nil {
		return nil, ErrNotFound
	}
	h := *m.health
	return &h, nil
}

func (m *MemoryStore) SaveHealth(h *HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *h
	m.health = &c
	return nil
}

func (m *MemoryStore) LoadUpstreams() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.upstreams) == 0 {
		return nil, ErrNotFound
	}
	return append([]string(nil), m.upstreams...), nil
}

func (m *MemoryStore) SaveUpstreams(servers []string) error {
	if len(servers) == 0 {
		return fmt.Errorf("refusing to store empty upstream list")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreams = append([]string(nil), servers...)
	return nil
}

// DeleteUpstreams simulates a lost upstream file.
func (m *MemoryStore) DeleteUpstreams() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreams = nil
}

func (m *MemoryStore) LoadMode() (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, nil
}

func (m *MemoryStore) SaveMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

func (m *MemoryStore) ReadResolverConfig() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolverConfig == nil {
		return "", ErrNotFound
	}
	return *m.resolverConfig, nil
}

func (m *MemoryStore) WriteResolverConfig(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailResolverWrite != nil {
		return m.FailResolverWrite
	}
	m.resolverConfig = &content
	m.ResolverWrites++
	return nil
}
