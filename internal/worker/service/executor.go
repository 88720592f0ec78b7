package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/taskcluster/shell"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
)

// CommandExecutor runs the workload as an external program. The assignment
// is written to the program's stdin as JSON and the program is expected to
// write its result to the path in FLEETWORKER_ARTIFACT.
type CommandExecutor struct {
	command []string
	workDir string
	logger  logging.Logger
}

func NewCommandExecutor(command []string, workDir string, logger logging.Logger) core.Executor {
	return &CommandExecutor{
		command: command,
		workDir: workDir,
		logger:  logger,
	}
}

func (e *CommandExecutor) Run(ctx context.Context, identity core.Identity, creds core.Credentials, remote string, a *core.Assignment) (string, error) {
	if len(e.command) == 0 {
		return "", errors.New("no executor command configured")
	}

	artifact, err := filepath.Abs(filepath.Join(e.workDir, fmt.Sprintf("results-%s-%d.pgn", a.Run.ID, a.TaskID)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact path: %w", err)
	}
	input, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode assignment: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Dir = e.workDir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"FLEETWORKER_REMOTE="+remote,
		"FLEETWORKER_USERNAME="+creds.Username,
		"FLEETWORKER_PASSWORD="+creds.Password,
		"FLEETWORKER_RUN_ID="+a.Run.ID,
		"FLEETWORKER_TASK_ID="+strconv.Itoa(a.TaskID),
		"FLEETWORKER_CONCURRENCY="+strconv.Itoa(identity.Concurrency),
		"FLEETWORKER_MAX_MEMORY="+strconv.Itoa(identity.MaxMemory),
		"FLEETWORKER_ARTIFACT="+artifact,
	)

	e.logger.Info("Starting executor", "command", shell.Escape(e.command...))
	if err := cmd.Run(); err != nil {
		return artifact, fmt.Errorf("executor %q failed: %w", e.command[0], err)
	}

	if _, err := os.Stat(artifact); err != nil {
		return "", fmt.Errorf("executor produced no artifact: %w", err)
	}
	return artifact, nil
}
