package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tailscale.com/atomicfile"
)

const (
	whitelistFile = "whitelist.txt"
	hashFile      = "resolver.hash"
	failCountFile = "failcount"
	healthFile    = "health.json"
	upstreamsFile = "upstreams"
	modeFile      = "mode"
)

// FileStore keeps state as small files in a directory. The resolver
// configuration lives outside the state directory, where the resolver reads it.
type FileStore struct {
	dir            string
	resolverConfig string
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir, resolverConfigPath string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir, resolverConfig: resolverConfigPath}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) write(path string, data []byte) error {
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) LoadWhitelist() (string, error) {
	data, err := s.read(s.path(whitelistFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileStore) SaveWhitelist(doc string) error {
	if strings.TrimSpace(doc) == "" {
		return fmt.Errorf("refusing to store empty whitelist")
	}
	return s.write(s.path(whitelistFile), []byte(doc))
}

func (s *FileStore) LoadHash() (string, error) {
	data, err := s.read(s.path(hashFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) SaveHash(hash string) error {
	return s.write(s.path(hashFile), []byte(hash+"\n"))
}

func (s *FileStore) LoadFailCount() (int, error) {
	data, err := s.read(s.path(failCountFile))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("corrupt failure counter %q", strings.TrimSpace(string(data)))
	}
	return n, nil
}

func (s *FileStore) SaveFailCount(n int) error {
	if n < 0 {
		return fmt.Errorf("negative failure counter %d", n)
	}
	return s.write(s.path(failCountFile), []byte(strconv.Itoa(n)+"\n"))
}

func (s *FileStore) LoadHealth() (*HealthStatus, error) {
	data, err := s.read(s.path(healthFile))
	if err != nil {
		return nil, err
	}
	var h HealthStatus
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode health status: %w", err)
	}
	return &h, nil
}

func (s *FileStore) SaveHealth(h *HealthStatus) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode health status: %w", err)
	}
	return s.write(s.path(healthFile), append(data, '\n'))
}

func (s *FileStore) LoadUpstreams() ([]string, error) {
	data, err := s.read(s.path(upstreamsFile))
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
			servers = append(servers, line)
		}
	}
	return servers, nil
}

func (s *FileStore) SaveUpstreams(servers []string) error {
	if len(servers) == 0 {
		return fmt.Errorf("refusing to store empty upstream list")
	}
	return s.write(s.path(upstreamsFile), []byte(strings.Join(servers, "\n")+"\n"))
}

func (s *FileStore) LoadMode() (Mode, error) {
	data, err := s.read(s.path(modeFile))
	if errors.Is(err, ErrNotFound) {
		return ModeEnforcing, nil
	}
	if err != nil {
		return ModeEnforcing, err
	}
	switch m := Mode(strings.TrimSpace(string(data))); m {
	case ModeEnforcing, ModeFailOpen, ModeDisabled:
		return m, nil
	default:
		return ModeEnforcing, fmt.Errorf("unknown mode %q", m)
	}
}

func (s *FileStore) SaveMode(m Mode) error {
	return s.write(s.path(modeFile), []byte(string(m)+"\n"))
}

func (s *FileStore) ReadResolverConfig() (string, error) {
	data, err := s.read(s.resolverConfig)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileStore) WriteResolverConfig(content string) error {
	if err := os.MkdirAll(filepath.Dir(s.resolverConfig), 0755); err != nil {
		return fmt.Errorf("failed to create resolver config directory: %w", err)
	}
	return s.write(s.resolverConfig, []byte(content))
}
