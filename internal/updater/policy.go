package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"whitelistd/internal/rules"
)

// PolicyHook regenerates dependent configuration, such as browser policies,
// after the whitelist changed.
type PolicyHook interface {
	Run(ctx context.Context, wl *rules.Whitelist) error
}

// ExecHook runs external commands, passing the whitelist as JSON on stdin.
type ExecHook struct {
	commands []string
	timeout  time.Duration
}

func NewExecHook(commands []string, timeout time.Duration) *ExecHook {
	return &ExecHook{commands: commands, timeout: timeout}
}

func (h *ExecHook) Run(ctx context.Context, wl *rules.Whitelist) error {
	if len(h.commands) == 0 {
		return nil
	}

	payload, err := json.Marshal(wl)
	if err != nil {
		return fmt.Errorf("failed to encode whitelist: %w", err)
	}

	var errs []error
	for _, command := range h.commands {
		args := strings.Fields(command)
		if len(args) == 0 {
			continue
		}
		if err := h.runOne(ctx, args, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *ExecHook) runOne(ctx context.Context, args []string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("policy command %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}

	logrus.WithField("command", args[0]).Debug("Policy command completed")
	return nil
}
