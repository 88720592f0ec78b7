package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/taskcluster/shell"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
)

// CommandUpdater installs a new worker version by running an external
// program. A successful update always requires a restart, so it returns
// core.ErrRestartRequired; without a command the worker simply stops and
// leaves the update to whatever supervises the process.
type CommandUpdater struct {
	command []string
	logger  logging.Logger
}

func NewCommandUpdater(command []string, logger logging.Logger) core.Updater {
	return &CommandUpdater{command: command, logger: logger}
}

func (u *CommandUpdater) Update(ctx context.Context, requiredVersion int) error {
	if len(u.command) == 0 {
		u.logger.Warn("No updater command configured", "required_version", requiredVersion)
		return core.ErrRestartRequired
	}

	cmd := exec.CommandContext(ctx, u.command[0], u.command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "FLEETWORKER_REQUIRED_VERSION="+strconv.Itoa(requiredVersion))

	u.logger.Info("Running updater", "command", shell.Escape(u.command...), "required_version", requiredVersion)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("updater %q failed: %w", u.command[0], err)
	}
	return fmt.Errorf("updated to version %d: %w", requiredVersion, core.ErrRestartRequired)
}
