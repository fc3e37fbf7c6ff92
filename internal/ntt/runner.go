// Package ntt drives the external command line tools used to provision a
// bridging project: the ntt CLI itself plus the Solana key and token tools.
package ntt

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
)

// Runner executes an external command in dir and returns its trimmed stdout
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// ExecRunner runs commands as child processes
type ExecRunner struct {
	logger *logging.Logger
}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ExecRunner{logger: logger.WithField("component", "exec")}
}

// Run starts the command and waits for it. A non-zero exit, or a failure to
// start at all, is returned as an external tool error carrying both streams.
func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	commandLine := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.logger.WithFields(map[string]interface{}{
		"command": commandLine,
		"dir":     dir,
	}).Debug("Running command")

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", apperrors.NewExternalToolError(commandLine, exitCode,
			strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
