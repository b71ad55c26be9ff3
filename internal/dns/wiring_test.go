package dns

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResolvConf(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestWiringCheckAndApply(t *testing.T) {
	dir := t.TempDir()
	path := writeResolvConf(t, dir, "resolv.conf", "nameserver 192.168.1.1\nsearch lan corp.example\n")

	w := NewWiring(path)
	ok, err := w.Check()
	require.NoError(t, err)
	assert.False(t, ok, "resolv.conf pointing at the router should not pass")

	require.NoError(t, w.Apply())
	ok, err = w.Check()
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "search lan corp.example", "search domains must be preserved")
}

func TestWiringRestore(t *testing.T) {
	dir := t.TempDir()
	path := writeResolvConf(t, dir, "resolv.conf", "nameserver 127.0.0.1\nsearch lan\n")
	w := NewWiring(path)

	assert.Error(t, w.Restore(nil), "empty server list")
	require.NoError(t, w.Restore([]string{"10.0.0.1", "10.0.0.2"}))

	ok, _ := w.Check()
	assert.False(t, ok, "restored resolv.conf should no longer point at the local resolver")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nameserver 10.0.0.1\nnameserver 10.0.0.2\n")
	assert.Contains(t, string(data), "search lan")
}

func TestWiringCheckMissingFile(t *testing.T) {
	w := NewWiring(filepath.Join(t.TempDir(), "resolv.conf"))
	ok, err := w.Check()
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestDetectUpstreams(t *testing.T) {
	dir := t.TempDir()
	stub := writeResolvConf(t, dir, "stub.conf", "nameserver 127.0.0.53\n")
	hostConf := writeResolvConf(t, dir, "real.conf", "nameserver 127.0.0.1\nnameserver 10.0.0.1\nnameserver 10.0.0.2\n")

	w := NewWiring(stub)
	w.upstreamSources = []string{filepath.Join(dir, "missing.conf"), stub, hostConf}

	servers, err := w.DetectUpstreams()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, servers)

	w.upstreamSources = []string{stub}
	_, err = w.DetectUpstreams()
	assert.Error(t, err, "only loopback servers exist")
}

func TestWiringWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeResolvConf(t, dir, "resolv.conf", "nameserver 127.0.0.1\n")
	w := NewWiring(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func() { changed <- struct{}{} })
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	for {
		writeResolvConf(t, dir, "resolv.conf", "nameserver 8.8.8.8\n")
		select {
		case <-changed:
			cancel()
			assert.NoError(t, <-done)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no change notification received")
		}
	}
}
