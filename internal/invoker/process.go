// Package invoker runs external tools: local binaries, HTTP APIs and the
// network-isolated tool service. Every strategy blocks the caller until the
// invocation finishes or its timeout fires.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Ashfaaq98/owl-runtime/internal/faults"
)

// Command describes one local process invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte
	Timeout time.Duration
}

// String renders the command line for logs and reports.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Argv returns path followed by args.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Output is captured tool output.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes local commands. Analyzers depend on it so tests can swap in
// a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Output, error)
}

// Process runs commands as child processes of the runtime.
type Process struct {
	logger zerolog.Logger
	// WaitDelay bounds how long Run waits for the output pipes to close after
	// the process tree has been killed.
	WaitDelay time.Duration
}

// NewProcess returns a local process runner.
func NewProcess(logger zerolog.Logger) *Process {
	return &Process{logger: logger, WaitDelay: 2 * time.Second}
}

// Run starts the command and waits for it. A run that outlives cmd.Timeout is
// killed together with all of its descendants and reported as
// ExecutionTimeout. A non-zero exit is ExecutionFailed carrying stderr.
func (p *Process) Run(ctx context.Context, cmd Command) (*Output, error) {
	if cmd.Path == "" {
		return nil, faults.New(faults.KindInvalidRequest, "empty command path")
	}
	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		killTree(int32(c.Process.Pid))
		return c.Process.Kill()
	}
	c.WaitDelay = p.WaitDelay

	start := time.Now()
	p.logger.Debug().Str("command", cmd.String()).Dur("timeout", cmd.Timeout).Msg("starting process")
	err := c.Run()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: c.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		p.logger.Warn().Str("command", cmd.String()).Dur("timeout", cmd.Timeout).Msg("process timed out")
		return out, faults.Wrap(faults.KindExecutionTimeout,
			fmt.Sprintf("%s exceeded timeout of %s", cmd.Path, cmd.Timeout), runCtx.Err())
	}
	if ctx.Err() != nil {
		return out, faults.Wrap(faults.KindExecutionFailed, "invocation cancelled", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return out, faults.Wrap(faults.KindExecutionFailed,
				fmt.Sprintf("%s exited with status %d: %s", cmd.Path, out.ExitCode, msg), err)
		}
		return out, faults.Wrap(faults.KindExecutionFailed, fmt.Sprintf("failed to start %s", cmd.Path), err)
	}
	return out, nil
}

// killTree kills every descendant of pid, deepest first. Errors are ignored:
// processes may exit while the tree is being walked.
func killTree(pid int32) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, _ := proc.Children()
	for _, child := range children {
		killTree(child.Pid)
		_ = child.Kill()
	}
}
