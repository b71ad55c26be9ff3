package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewHardening(t *testing.T) {
	h := NewHardening()
	assert.Equal(t, 0o077, h.umask)
	assert.NotEmpty(t, h.envToClear)
}

func TestClearSensitiveEnv(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test-secret")

	NewHardening().clearSensitiveEnv()

	for _, k := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"} {
		assert.Empty(t, os.Getenv(k), k)
	}
}

func TestDisableCoreDumps(t *testing.T) {
	require.NoError(t, NewHardening().disableCoreDumps())

	var after unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_CORE, &after))
	assert.Zero(t, after.Cur)
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	got, err := fileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}
