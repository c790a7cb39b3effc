package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external commands. The production implementation shells
// out via os/exec; tests substitute a scripted fake so no external tool is
// required to exercise the reconcilers.
type Runner interface {
	// Run executes the command and returns an error if it exits non-zero.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local system.
type ExecRunner struct{}

// Run executes the command, discarding output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Output executes the command and returns trimmed stdout.
func (ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// SSHRunner executes commands on a remote host over ssh. The command and its
// arguments travel as an explicit argv payload; no shell interpolation
// happens on the local side.
type SSHRunner struct {
	Host string
	Base Runner
}

// Run executes the command on the remote host.
func (r SSHRunner) Run(ctx context.Context, name string, args ...string) error {
	return r.Base.Run(ctx, "ssh", r.remoteArgs(name, args)...)
}

// Output executes the command on the remote host and returns its stdout.
func (r SSHRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return r.Base.Output(ctx, "ssh", r.remoteArgs(name, args)...)
}

func (r SSHRunner) remoteArgs(name string, args []string) []string {
	out := []string{"-o", "BatchMode=yes", r.Host, name}
	return append(out, args...)
}
