package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"dash-recorder/internal/platform/logger"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes external commands to completion. Implementations must honor
// ctx cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands with os/exec, streaming their output to a logger.
type ExecRunner struct {
	Log *slog.Logger
}

// NewExecRunner returns an ExecRunner logging to log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{Log: log}
}

const (
	stderrTailLines = 5
	// waitDelay bounds how long output pipes are drained after the process is killed.
	waitDelay = 2 * time.Second
)

// Run implements Runner. A failing process yields an error carrying the last
// few lines of its stderr.
func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	log := r.Log.With(slog.String("tool", c.Name))
	stdout := logger.NewLineWriter(log, "process stdout", 0)
	stderr := logger.NewLineWriter(log, "process stderr", stderrTailLines)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	log.Debug("starting process", slog.String("command", c.String()))
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	if tail := stderr.Tail(); len(tail) > 0 {
		return fmt.Errorf("%s: %w: %s", c.Name, err, strings.Join(tail, " | "))
	}
	return fmt.Errorf("%s: %w", c.Name, err)
}
