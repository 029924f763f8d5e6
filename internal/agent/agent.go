// Package agent invokes the coding-agent CLI and parses its streamed
// output. The contract with the agent binary: task prompt on stdin, working
// directory set to the checkout it may edit, one JSON object per stdout
// line, and the completion sentinel somewhere in its text on success.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/proc"
)

// DefaultPayloadCap bounds prompt size when no cap is configured.
const DefaultPayloadCap = 256 * 1024

// maxLine bounds a single stream line; tool results can be enormous.
const maxLine = 4 * 1024 * 1024

// Agent runs the configured coding-agent CLI.
type Agent struct {
	command    string
	args       []string
	model      string
	provider   string
	env        []string
	payloadCap int
	logger     *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithCommand sets the agent binary and its base arguments.
func WithCommand(command string, args ...string) Option {
	return func(a *Agent) {
		a.command = command
		a.args = args
	}
}

// WithModel sets the model selector, appended as --model and exported to
// the agent's environment.
func WithModel(model string) Option {
	return func(a *Agent) { a.model = model }
}

// WithProvider sets the provider selector, exported to the environment.
func WithProvider(provider string) Option {
	return func(a *Agent) { a.provider = provider }
}

// WithEnv appends extra environment entries ("KEY=value").
func WithEnv(env ...string) Option {
	return func(a *Agent) { a.env = append(a.env, env...) }
}

// WithPayloadCap bounds the prompt size in bytes.
func WithPayloadCap(limit int) Option {
	return func(a *Agent) {
		if limit > 0 {
			a.payloadCap = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent invoker. The default command is the claude CLI in
// headless streaming mode.
func New(opts ...Option) *Agent {
	a := &Agent{
		command:    "claude",
		args:       []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
		payloadCap: DefaultPayloadCap,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request is one agent invocation.
type Request struct {
	// TaskID labels errors and logs; zero for non-task calls.
	TaskID int64
	// Prompt goes to the agent's stdin.
	Prompt string
	// Dir is the working directory (the worker checkout).
	Dir string
	// LogPath, when set, receives an append-only tee of stdout and stderr.
	LogPath string
	// Timeout bounds the invocation; 0 means no per-call bound.
	Timeout time.Duration
	// OnStart observes the spawned process id.
	OnStart func(pid int)
	// OnEvent observes each parsed stream event.
	OnEvent func(Event)
}

// Result is the outcome of one agent invocation. Spawn problems are
// returned as errors; everything after a successful spawn (timeouts, exit
// codes, missing sentinel) is reported here for the caller to classify.
type Result struct {
	ExitCode     int
	SentinelSeen bool
	TimedOut     bool
	TokensIn     int64
	TokensOut    int64
	Steps        int
	Duration     time.Duration
	Text         string
}

// Success reports whether the task completed: clean exit AND sentinel.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && r.SentinelSeen && !r.TimedOut
}

// TotalTokens returns input plus output tokens.
func (r *Result) TotalTokens() int64 {
	return r.TokensIn + r.TokensOut
}

// Run executes the agent on a prompt and consumes its event stream.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Prompt) > a.payloadCap {
		return nil, swarmerr.ErrPayloadTooLarge(req.TaskID, len(req.Prompt), a.payloadCap)
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string{}, a.args...)
	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	// Not exec.CommandContext: that kills only the direct child, and agent
	// CLIs spawn tool subprocesses. Timeout handling kills the whole group.
	cmd := exec.Command(a.command, args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = a.environ()
	proc.Setpgid(cmd)

	var logFile *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open agent log: %w", err)
		}
		logFile = f
		defer logFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, swarmerr.ErrAgentUnavailable(a.command).WithCause(err)
	}
	pid := cmd.Process.Pid
	if req.OnStart != nil {
		req.OnStart(pid)
	}
	a.logger.Debug("agent started", "pid", pid, "task", req.TaskID, "dir", req.Dir)

	// Kill the process group when the deadline or the parent context fires.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			_ = proc.KillGroup(pid)
		case <-waitDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainStderr(stderr, logFile)
	}()

	result := &Result{}
	var texts []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}

		ev := ParseLine(line)
		result.TokensIn += ev.TokensIn
		result.TokensOut += ev.TokensOut
		if ev.Kind == KindStepFinish {
			result.Steps++
		}
		if ev.Text != "" {
			texts = append(texts, ev.Text)
		}
		// Sentinel may appear in decoded text or verbatim in a raw line;
		// never assume a particular event carries it.
		if !result.SentinelSeen &&
			(strings.Contains(ev.Text, Sentinel) || strings.Contains(line, Sentinel)) {
			result.SentinelSeen = true
		}
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Warn("agent stream truncated", "pid", pid, "error", err)
	}

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	result.Duration = time.Since(start)
	result.Text = strings.Join(texts, "\n")
	result.TimedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	if ctx.Err() != nil {
		// Parent cancellation (stop/kill), not a task timeout.
		return result, ctx.Err()
	}

	a.logger.Debug("agent finished",
		"pid", pid,
		"task", req.TaskID,
		"exit", result.ExitCode,
		"sentinel", result.SentinelSeen,
		"timed_out", result.TimedOut,
		"tokens", result.TotalTokens(),
		"duration", result.Duration.Round(time.Millisecond))
	return result, nil
}

// Query runs the agent once in print mode and returns its textual output.
// The analyzer uses this for task decomposition and file prediction; no
// sentinel is required.
func (a *Agent) Query(ctx context.Context, prompt, dir string, timeout time.Duration) (string, error) {
	res, err := a.Run(ctx, Request{
		Prompt:  prompt,
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("agent query timed out after %s", timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("agent query exited %d: %s", res.ExitCode, tail(res.Text, 400))
	}
	return res.Text, nil
}

func (a *Agent) environ() []string {
	env := append(os.Environ(), a.env...)
	if a.provider != "" {
		env = append(env, "SWARM_AGENT_PROVIDER="+a.provider)
	}
	if a.model != "" {
		env = append(env, "SWARM_AGENT_MODEL="+a.model)
	}
	return env
}

func drainStderr(r io.Reader, logFile *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if logFile != nil {
			fmt.Fprintln(logFile, "[stderr] "+scanner.Text())
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
