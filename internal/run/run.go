// Package run abstracts external command execution so callers can be
// tested without shelling out.
package run

import (
	"context"
	"os/exec"
)

// Runner executes external commands.
type Runner interface {
	// Run executes name with args and returns the combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// LookPath reports the absolute path of name, or an error if it is
	// not installed.
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
