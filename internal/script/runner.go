// Package script runs deployment scripts as external processes.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrMissing is returned when the script to run is not in the working tree
var ErrMissing = errors.New("deployment file not found")

// ErrNoInterpreter is returned for files whose extension has no configured interpreter
var ErrNoInterpreter = errors.New("no interpreter configured")

// ExecRunner runs scripts with the interpreter configured for their extension
type ExecRunner struct {
	interpreters map[string][]string
	env          []string
	logger       *slog.Logger
}

// NewExecRunner creates a runner. interpreters maps a file extension
// (".py") to the command and leading arguments used to run it. env is added
// to the process environment of every script.
func NewExecRunner(interpreters map[string][]string, env []string, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		interpreters: interpreters,
		env:          env,
		logger:       logger,
	}
}

// Extensions returns the file extensions the runner can execute
func (r *ExecRunner) Extensions() []string {
	exts := make([]string, 0, len(r.interpreters))
	for ext := range r.interpreters {
		exts = append(exts, ext)
	}
	return exts
}

// Run executes file, relative to dir, with dir as the working directory.
// The script's combined output is logged at debug level.
func (r *ExecRunner) Run(ctx context.Context, dir, file string) error {
	path := filepath.Join(dir, filepath.FromSlash(file))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, file)
		}
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}

	command, ok := r.interpreters[strings.ToLower(filepath.Ext(file))]
	if !ok || len(command) == 0 {
		return fmt.Errorf("%w for %s", ErrNoInterpreter, file)
	}

	args := append(append([]string{}, command[1:]...), filepath.FromSlash(file))
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debug("running deployment script", "file", file, "command", strings.Join(cmd.Args, " "))
	err := cmd.Run()
	if out := strings.TrimSpace(output.String()); out != "" {
		r.logger.Debug("script output", "file", file, "output", out)
	}
	if err != nil {
		return fmt.Errorf("script %s failed: %w: %s", file, err, lastLine(output.String()))
	}

	return nil
}

// lastLine returns the final non-empty line of output, which is where
// interpreters usually put the error message.
func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
