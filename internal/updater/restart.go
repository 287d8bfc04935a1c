package updater

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// Restarter is told that a new bundle was committed and only takes effect after the
// host restarts.
type Restarter interface {
	Restart(ctx context.Context, version string) error
}

// LogRestarter only announces the pending restart
type LogRestarter struct {
	Logger *zap.SugaredLogger
}

func (r LogRestarter) Restart(_ context.Context, version string) error {
	if r.Logger != nil {
		r.Logger.Infof("Version %s installed, restart the application to apply it", version)
	}
	return nil
}

// CommandRestarter starts a command with the new version appended as last argument.
// It does not wait for the command, which usually replaces the running host.
type CommandRestarter struct {
	Command []string
	Logger  *zap.SugaredLogger
}

func (r CommandRestarter) Restart(_ context.Context, version string) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("restart command is empty")
	}
	args := append(append([]string{}, r.Command[1:]...), version)
	cmd := exec.Command(r.Command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start restart command: %w", err)
	}
	if r.Logger != nil {
		r.Logger.Infof("Started restart command %s (pid %d)", r.Command[0], cmd.Process.Pid)
	}
	go cmd.Wait()
	return nil
}
