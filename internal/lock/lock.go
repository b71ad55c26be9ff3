// Package lock serialises mutations of the firewall and resolver
// configuration across the updater, watchdog and captive portal detector,
// which may run as separate processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"tailscale.com/logtail/backoff"
	"tailscale.com/types/logger"

	"whitelistd/internal/utils"
)

// ErrLocked is returned when the lock is held elsewhere.
var ErrLocked = errors.New("lock is held by another process")

// Release gives the lock back. It is safe to call more than once.
type Release func()

// Coordinator grants exclusive access to shared host state.
type Coordinator interface {
	// TryAcquire returns ErrLocked immediately if the lock is held.
	TryAcquire() (Release, error)
	// Acquire waits until the lock is free or ctx is done.
	Acquire(ctx context.Context) (Release, error)
}

// AcquireTimeout is Acquire bounded by timeout.
func AcquireTimeout(ctx context.Context, c Coordinator, timeout time.Duration) (Release, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Acquire(ctx)
}

// FileCoordinator uses flock(2) on a well-known path.
type FileCoordinator struct {
	path string
}

func NewFileCoordinator(path string) *FileCoordinator {
	return &FileCoordinator{path: path}
}

func (c *FileCoordinator) TryAcquire() (Release, error) {
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", c.path, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (c *FileCoordinator) Acquire(ctx context.Context) (Release, error) {
	b := backoff.NewBackoff("lock", logger.Discard, 500*time.Millisecond)
	for {
		release, err := c.TryAcquire()
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		b.BackOff(ctx, err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
		}
	}
}

// MemoryCoordinator is an in-process lock.
type MemoryCoordinator struct {
	sem *utils.ConcurrencyLimiter
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{sem: utils.NewConcurrencyLimiter(1)}
}

func (c *MemoryCoordinator) release() Release {
	released := false
	return func() {
		if !released {
			released = true
			c.sem.Release()
		}
	}
}

func (c *MemoryCoordinator) TryAcquire() (Release, error) {
	if !c.sem.TryAcquire() {
		return nil, ErrLocked
	}
	return c.release(), nil
}

func (c *MemoryCoordinator) Acquire(ctx context.Context) (Release, error) {
	if err := c.sem.AcquireContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return c.release(), nil
}
