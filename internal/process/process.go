package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that need a spawned process.
var ErrNotStarted = errors.New("process not started")

// Process is one spawned child. A monitor goroutine owns cmd.Wait; every
// other method observes the done channel it closes.
type Process struct {
	spec Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	out    io.WriteCloser
	done   chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns the spec the process was created with.
func (r *Process) Spec() Spec { return r.spec }

// LogPath returns the file receiving the child's output, if any.
func (r *Process) LogPath() string { return r.spec.Log.Path(r.spec.Name) }

// configureCmd builds the command with workdir, environment, output and
// process-group attributes applied.
func (r *Process) configureCmd() *exec.Cmd {
	cmd := r.spec.BuildCommand()
	if r.spec.WorkDir != "" {
		cmd.Dir = r.spec.WorkDir
	}
	if len(r.spec.Env) > 0 {
		cmd.Env = r.spec.Env
	}
	configureSysProcAttr(cmd)
	if w := r.spec.Log.Writer(r.spec.Name); w != nil {
		r.out = w
		cmd.Stdout = w
		cmd.Stderr = w
	}
	return cmd
}

// Start spawns the process and launches its monitor.
func (r *Process) Start() error {
	if err := r.spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("process %s already spawned", r.spec.Name)
	}
	cmd := r.configureCmd()
	if err := cmd.Start(); err != nil {
		r.closeWriterLocked()
		return err
	}
	r.cmd = cmd
	r.done = make(chan struct{})
	r.status = Status{Name: r.spec.Name, Running: true, PID: cmd.Process.Pid, StartedAt: time.Now()}
	go r.monitor(cmd, r.done)
	return nil
}

func (r *Process) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if cmd.ProcessState != nil {
		r.status.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.closeWriterLocked()
	r.mu.Unlock()
	close(done)
}

func (r *Process) closeWriterLocked() {
	if r.out != nil {
		_ = r.out.Close()
		r.out = nil
	}
}

// Done is closed once the process has exited and been reaped.
// It is nil before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Alive reports whether the spawned process has not exited yet.
func (r *Process) Alive() bool {
	done := r.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// PID returns the child's pid, or 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Wait blocks until the process exits or ctx is done.
func (r *Process) Wait(ctx context.Context) error {
	done := r.Done()
	if done == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the process group and waits up to wait for it to exit,
// then kills the whole tree. forced reports whether escalation was needed.
func (r *Process) Stop(wait time.Duration) (forced bool, err error) {
	if !r.Alive() {
		return false, nil
	}
	pid := r.PID()
	done := r.Done()
	// collect descendants before the group leader goes away
	tree := Descendants(context.Background(), pid)
	_ = terminateGroup(pid)
	select {
	case <-done:
		r.reapStragglers(tree)
		return false, nil
	case <-time.After(wait):
	}
	return true, r.kill(pid, done, tree)
}

// Kill forcefully kills the process tree without a grace period.
func (r *Process) Kill() error {
	if !r.Alive() {
		return nil
	}
	pid := r.PID()
	return r.kill(pid, r.Done(), Descendants(context.Background(), pid))
}

func (r *Process) kill(pid int, done <-chan struct{}, tree []int) error {
	err := killGroup(pid)
	r.reapStragglers(tree)
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		if err == nil {
			err = fmt.Errorf("process %s (pid %d) did not exit after kill", r.spec.Name, pid)
		}
		return err
	}
}

// reapStragglers kills descendants that left the process group.
func (r *Process) reapStragglers(tree []int) {
	for _, p := range tree {
		if processExists(p) {
			_ = KillTree(context.Background(), p, 0)
		}
	}
}
