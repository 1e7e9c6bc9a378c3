// Package depsetup runs package-manager subprocesses (install, client
// generation, migrations, seeding) under a heartbeat and a hard timeout.
package depsetup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/process"
)

const (
	DefaultTimeout   = 30 * time.Minute
	DefaultHeartbeat = 15 * time.Second
	failTailLines    = 20
)

var (
	// ErrTimeout means the task hit its wall-clock limit. It is not retried.
	ErrTimeout = errors.New("dependency setup timed out")
	// ErrFailed means the task exited non-zero.
	ErrFailed = errors.New("dependency setup failed")
)

// Task is one subprocess invocation.
type Task struct {
	Component string // e.g. "backend"
	Name      string // e.g. "install", "migrate"
	Command   string
	Args      []string
	Dir       string
	Env       []string
}

// ID is the log name of the task: <component>-<name>.
func (t Task) ID() string { return t.Component + "-" + t.Name }

func (t Task) String() string { return strings.TrimSpace(t.Command + " " + strings.Join(t.Args, " ")) }

// Runner executes tasks.
type Runner struct {
	Log       logger.FileConfig
	Timeout   time.Duration
	Heartbeat time.Duration
	Logger    *slog.Logger
	// OnHeartbeat, when set, is called on every tick with the elapsed time.
	OnHeartbeat func(t Task, elapsed time.Duration)
}

// Error describes a failed task.
type Error struct {
	Task    Task
	Elapsed time.Duration
	LogPath string
	Tail    []string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%s) after %s", e.Task.ID(), e.Task.String(), e.Elapsed.Round(time.Second))
	if e.LogPath != "" {
		msg += " (log: " + e.LogPath + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Run executes t, emitting a heartbeat log line every Heartbeat until it
// exits. The process tree is killed on timeout or cancellation.
func (r *Runner) Run(ctx context.Context, t Task) error {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hb := r.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204
	cmd := exec.CommandContext(rctx, t.Command, t.Args...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = t.Env
	}
	cmd.Cancel = func() error { return process.KillTree(context.Background(), cmd.Process.Pid, 0) }
	cmd.WaitDelay = 5 * time.Second
	logPath := r.Log.Path(t.ID())
	var out io.WriteCloser
	if w := r.Log.Writer(t.ID()); w != nil {
		out = w
		cmd.Stdout = w
		cmd.Stderr = w
	}

	start := time.Now()
	log.Info("running task", "task", t.ID(), "cmd", t.String(), "dir", t.Dir)
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return &Error{Task: t, LogPath: logPath, Err: fmt.Errorf("%w: %w", ErrFailed, err)}
	}

	done := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		tick := time.NewTicker(hb)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				elapsed := time.Since(start)
				log.Info("task still running", "task", t.ID(), "elapsed", elapsed.Round(time.Second))
				if r.OnHeartbeat != nil {
					r.OnHeartbeat(t, elapsed)
				}
			}
		}
	}()
	err := cmd.Wait()
	close(done)
	<-hbDone
	if out != nil {
		_ = out.Close()
	}
	elapsed := time.Since(start)

	if err == nil {
		log.Log(ctx, logger.LevelSuccess, "task finished", "task", t.ID(), "elapsed", elapsed.Round(time.Millisecond))
		return nil
	}
	tail, _ := logger.Tail(logPath, failTailLines)
	e := &Error{Task: t, Elapsed: elapsed, LogPath: logPath, Tail: tail}
	switch {
	case errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		e.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case ctx.Err() != nil:
		e.Err = ctx.Err()
	default:
		e.Err = fmt.Errorf("%w: %w", ErrFailed, err)
	}
	log.Error("task failed", "task", t.ID(), "error", e.Err, "log", logPath)
	return e
}
