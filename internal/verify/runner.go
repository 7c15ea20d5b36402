// Package verify runs the absolute verification gate and the workspace
// checkpoints the action loop rolls back to when the gate fails.
package verify

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// RunCommand executes one command in dir and returns its combined
// output and exit code. err reports infrastructure failures only: a
// command that ran and exited non-zero returns err == nil with the
// code. Tests inject fakes through this seam.
type RunCommand func(ctx context.Context, dir, name string, args ...string) (output string, exitCode int, err error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return buf.String(), exitErr.ExitCode(), nil
		}
		return buf.String(), -1, err
	}
	return buf.String(), 0, nil
}
