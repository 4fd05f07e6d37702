package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyCommand is returned for a CommandSpec without a program.
	ErrEmptyCommand = errors.New("empty command")
	// ErrTimeout marks a result whose process exceeded its timeout.
	ErrTimeout = errors.New("execution timed out")
)

const (
	// DefaultTimeout bounds commands configured without a timeout.
	DefaultTimeout = 10 * time.Minute
	// DefaultMaxOutput is the number of trailing output bytes retained.
	DefaultMaxOutput = 256 << 10
	// DefaultWaitDelay is how long a terminated process may linger before it is killed.
	DefaultWaitDelay = time.Second
)

// CommandSpec describes one external command.
type CommandSpec struct {
	Name    string
	Command []string
	Dir     string
	Env     map[string]string
}

func (s CommandSpec) String() string {
	return strings.Join(s.Command, " ")
}

// Result is the outcome of one execution. Failures are data, never panics.
type Result struct {
	Success   bool
	Output    string
	Error     string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Runner executes commands. The orchestrator and recovery executor depend on
// this interface so tests can substitute fakes.
type Runner interface {
	Execute(ctx context.Context, spec CommandSpec, timeout time.Duration) Result
}

// Executor spawns subprocesses with a timeout and combined, capped output.
type Executor struct {
	logger    *slog.Logger
	maxOutput int
	waitDelay time.Duration
}

// New constructs an Executor. Non-positive limits fall back to defaults.
func New(logger *slog.Logger, maxOutput int, waitDelay time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	return &Executor{logger: logger, maxOutput: maxOutput, waitDelay: waitDelay}
}

// Execute runs spec and resolves once the process exits. On timeout the process
// group receives SIGTERM; a process that ignores it is killed after the wait delay.
func (e *Executor) Execute(ctx context.Context, spec CommandSpec, timeout time.Duration) Result {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return Result{ExitCode: -1, Error: ErrEmptyCommand.Error()}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = e.waitDelay
	configureProcess(cmd)

	out := newTailBuffer(e.maxOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	e.logger.Debug("executing command",
		slog.String("name", spec.Name),
		slog.String("command", spec.String()),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Output:    out.String(),
		Truncated: out.Truncated(),
		Duration:  time.Since(start),
	}

	// A parent deadline is a cancellation, not this command's own timeout.
	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Error = fmt.Sprintf("cancelled: %v", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		result.Error = fmt.Sprintf("%v after %s", ErrTimeout, timeout)
		e.logger.Warn("command timed out",
			slog.String("name", spec.Name),
			slog.Duration("timeout", timeout),
		)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit status %d", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Error = fmt.Sprintf("command execution failed: %v", err)
		}
	default:
		result.Success = true
	}
	return result
}

// Available reports the resolved path of the program, or an error if it is not on PATH.
func Available(command []string) (string, error) {
	if len(command) == 0 || command[0] == "" {
		return "", ErrEmptyCommand
	}
	return exec.LookPath(command[0])
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.limit {
		b.buf = append(b.buf[:0:0], b.buf[len(b.buf)-b.limit:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) > b.limit {
		b.truncated = true
		return string(b.buf[len(b.buf)-b.limit:])
	}
	return string(b.buf)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
