// Package security hardens the daemon process and checks the privileges it
// needs to manage the firewall and resolver.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrNotRoot is returned by RequireRoot for unprivileged callers.
var ErrNotRoot = errors.New("this command must be run as root")

// Hardening holds the process limits applied at daemon start.
type Hardening struct {
	umask      int
	maxOpen    uint64
	envToClear []string
}

func NewHardening() *Hardening {
	return &Hardening{
		umask:   0o077,
		maxOpen: 4096,
		envToClear: []string{
			"AWS_ACCESS_KEY_ID",
			"AWS_SECRET_ACCESS_KEY",
			"AWS_SESSION_TOKEN",
		},
	}
}

// Apply sets resource limits, disables core dumps, tightens the umask and
// drops credentials from the environment once they have been read. Failures
// are logged; hardening never prevents startup.
func (h *Hardening) Apply() {
	if err := h.setResourceLimits(); err != nil {
		logrus.WithError(err).Warn("Failed to set resource limits")
	}
	if err := h.disableCoreDumps(); err != nil {
		logrus.WithError(err).Warn("Failed to disable core dumps")
	}
	h.clearSensitiveEnv()
	old := unix.Umask(h.umask)
	logrus.Debugf("Changed umask from %04o to %04o", old, h.umask)
}

func (h *Hardening) setResourceLimits() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("failed to read file descriptor limit: %w", err)
	}
	if lim.Cur >= h.maxOpen {
		return nil
	}
	lim.Cur = h.maxOpen
	if lim.Max < lim.Cur {
		lim.Cur = lim.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("failed to set file descriptor limit: %w", err)
	}
	logrus.WithField("nofile", lim.Cur).Debug("File descriptor limit raised")
	return nil
}

func (h *Hardening) disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

func (h *Hardening) clearSensitiveEnv() {
	for _, v := range h.envToClear {
		os.Unsetenv(v)
	}
}

// RequireRoot fails unless the effective uid is 0.
func RequireRoot() error {
	if unix.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// LogBinaryIntegrity records the checksum of the running executable so that
// tampering shows up in the logs.
func LogBinaryIntegrity() {
	path, err := os.Executable()
	if err != nil {
		logrus.WithError(err).Warn("Failed to get binary path")
		return
	}
	sum, err := fileChecksum(path)
	if err != nil {
		logrus.WithError(err).Warn("Failed to checksum binary")
		return
	}
	logrus.WithFields(logrus.Fields{
		"path":   path,
		"sha256": sum,
	}).Info("Binary integrity check")
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
