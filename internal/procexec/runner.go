// Package procexec runs project commands (tests, build, lint, type check) for the agent tools.
package procexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout applies when a Command sets none
const DefaultTimeout = 10 * time.Minute

// DefaultMaxOutput caps the captured bytes per stream
const DefaultMaxOutput = 256 * 1024

// ErrTimeout is returned when a command exceeds its timeout
var ErrTimeout = errors.New("command timed out")

// sensitiveEnv lists substrings of variable names stripped from the child environment
var sensitiveEnv = []string{"API_KEY", "SECRET", "TOKEN", "PASSWORD"}

// Command describes one process invocation
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
	Env     map[string]string
}

// String renders the command line
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished process. A nonzero exit code is not an error.
type Result struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exitCode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// OutputCallback is called for each line of output
type OutputCallback func(stream, line string)

// Runner executes commands
type Runner struct {
	logger    *zap.Logger
	maxOutput int
	onOutput  OutputCallback
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMaxOutput overrides the per-stream capture limit
func WithMaxOutput(n int) Option {
	return func(r *Runner) { r.maxOutput = n }
}

// WithOutputCallback streams output lines while the command runs
func WithOutputCallback(cb OutputCallback) Option {
	return func(r *Runner) { r.onOutput = cb }
}

// NewRunner creates a command runner
func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: zap.NewNop(), maxOutput: DefaultMaxOutput}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd and waits for it. It returns an error only when the process
// cannot be started, the timeout elapses, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = filterEnv(os.Environ())
	for k, v := range cmd.Env {
		c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
	}
	c.WaitDelay = 5 * time.Second

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("starting command", zap.String("command", cmd.String()), zap.String("dir", cmd.Dir))
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Name, err)
	}

	outBuf := &capBuffer{max: r.maxOutput}
	errBuf := &capBuffer{max: r.maxOutput}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.stream(stdout, "stdout", outBuf)
	}()
	go func() {
		defer wg.Done()
		r.stream(stderr, "stderr", errBuf)
	}()
	wg.Wait()

	waitErr := c.Wait()
	duration := time.Since(start)

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmd)
		}
		return nil, ctx.Err()
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("command failed: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	r.logger.Debug("command finished",
		zap.String("command", cmd.String()),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration))

	return &Result{
		Command:   cmd.String(),
		ExitCode:  exitCode,
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		Duration:  duration,
		Truncated: outBuf.truncated || errBuf.truncated,
	}, nil
}

func (r *Runner) stream(rd io.Reader, name string, buf *capBuffer) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if r.onOutput != nil {
			r.onOutput(name, line)
		}
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

type capBuffer struct {
	b         strings.Builder
	max       int
	truncated bool
}

func (c *capBuffer) WriteLine(line string) {
	if c.truncated {
		return
	}
	if c.max > 0 && c.b.Len()+len(line)+1 > c.max {
		c.truncated = true
		return
	}
	c.b.WriteString(line)
	c.b.WriteByte('\n')
}

func (c *capBuffer) String() string {
	return c.b.String()
}

func filterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(name)
		skip := false
		for _, s := range sensitiveEnv {
			if strings.Contains(upper, s) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	return out
}
