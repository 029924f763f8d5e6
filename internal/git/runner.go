package git

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CommandRunner abstracts git command execution for testability.
type CommandRunner interface {
	// Run executes a command in the given directory and returns trimmed stdout.
	Run(ctx context.Context, workDir string, name string, args ...string) (string, error)
}

// ExecRunner runs commands using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner that executes real commands.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and returns its stdout with surrounding
// whitespace trimmed. Cancelling the context kills the process.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())

	if err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = output
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		return output, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}

	return output, nil
}

// CommandError provides context about a failed command.
type CommandError struct {
	Command string   // Command that was run
	Args    []string // Arguments passed
	WorkDir string   // Working directory
	Output  string   // Error output (stderr, or stdout as fallback)
	Err     error    // Underlying error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
