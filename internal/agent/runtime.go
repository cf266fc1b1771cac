package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
)

// Runtime executes a task's command line.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (int, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Command string            // Shell command line
	WorkDir string            // Working directory on the host
	Env     map[string]string // Added to the agent's own environment
	Stdout  io.Writer
	Stderr  io.Writer
}

// ShellRuntime runs command lines through sh -c on the host.
type ShellRuntime struct {
	Shell string
}

// NewShellRuntime creates a ShellRuntime using /bin/sh.
func NewShellRuntime() *ShellRuntime {
	return &ShellRuntime{Shell: "/bin/sh"}
}

// Run starts the command and waits for it. A process that ran and exited
// non-zero is not an error; the exit code is returned. Cancelling ctx kills
// the process.
func (r *ShellRuntime) Run(ctx context.Context, spec RunSpec) (int, error) {
	if spec.Command == "" {
		return -1, fmt.Errorf("shell runtime: empty command")
	}

	cmd := exec.CommandContext(ctx, r.Shell, "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	runErr := cmd.Run()
	switch e := runErr.(type) {
	case nil:
		return 0, nil
	case *exec.ExitError:
		return e.ExitCode(), nil
	default:
		return -1, fmt.Errorf("shell runtime: %w", runErr)
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
