package dns

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
)

// ResolverService controls the local DNS forwarder process.
type ResolverService interface {
	Restart(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
}

// SystemdService manages the resolver as a systemd unit over D-Bus.
type SystemdService struct {
	unit string
}

func NewSystemdService(unit string) *SystemdService {
	return &SystemdService{unit: unit}
}

// Restart restarts the unit and waits for the job to finish.
func (s *SystemdService) Restart(ctx context.Context) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, s.unit, "replace", done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", s.unit, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("restart of %s finished with %q", s.unit, result)
		}
	case <-ctx.Done():
		return fmt.Errorf("restart of %s: %w", s.unit, ctx.Err())
	}

	logrus.WithField("unit", s.unit).Info("Resolver restarted")
	return nil
}

// IsRunning reports whether the unit's ActiveState is "active".
func (s *SystemdService) IsRunning(ctx context.Context) (bool, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, s.unit, "ActiveState")
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", s.unit, err)
	}
	state, _ := prop.Value.Value().(string)
	return state == "active", nil
}
