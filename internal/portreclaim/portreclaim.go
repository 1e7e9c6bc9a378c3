// Package portreclaim frees TCP ports held by stray processes before a
// service is spawned on them.
package portreclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/process"
)

// DefaultGrace is how long a listener gets to exit after a polite
// termination request before it is killed.
const DefaultGrace = 2 * time.Second

// ErrReclaimFailed is wrapped by Reclaim when at least one listener
// survived the kill attempt.
var ErrReclaimFailed = errors.New("port reclaim failed")

// ListenerFunc returns the pids listening on a TCP port.
type ListenerFunc func(ctx context.Context, port int) ([]int, error)

// KillFunc terminates pid together with its descendants.
type KillFunc func(ctx context.Context, pid int, grace time.Duration) error

// Result describes what a Reclaim call did.
type Result struct {
	Port    int
	Killed  []int
	Skipped []int // self, other agent instances or pids kept by the caller
}

// Free reports whether nothing was holding the port to begin with.
func (r Result) Free() bool { return len(r.Killed) == 0 && len(r.Skipped) == 0 }

// Reclaimer kills whatever is listening on a port, sparing the agent itself.
type Reclaimer struct {
	Listeners ListenerFunc
	Kill      KillFunc
	Grace     time.Duration
	Logger    *slog.Logger

	self int
	exe  string
}

// New returns a Reclaimer backed by the OS connection table.
func New(log *slog.Logger) *Reclaimer {
	if log == nil {
		log = slog.Default()
	}
	exe, _ := os.Executable()
	if exe != "" {
		if r, err := filepath.EvalSymlinks(exe); err == nil {
			exe = r
		}
	}
	return &Reclaimer{
		Listeners: Listeners,
		Kill:      process.KillTree,
		Grace:     DefaultGrace,
		Logger:    log,
		self:      os.Getpid(),
		exe:       exe,
	}
}

// Reclaim tree-kills every process listening on port. The agent's own pid,
// other instances of the agent binary and any pid for which keep returns
// true are left alone. A non-nil error means the port may still be busy;
// callers treat it as a warning.
func (r *Reclaimer) Reclaim(ctx context.Context, port int, keep func(pid int) bool) (Result, error) {
	res := Result{Port: port}
	pids, err := r.Listeners(ctx, port)
	if err != nil {
		return res, fmt.Errorf("%w: list listeners on %d: %w", ErrReclaimFailed, port, err)
	}
	var errs []error
	for _, pid := range pids {
		if r.spare(ctx, pid, keep) {
			res.Skipped = append(res.Skipped, pid)
			r.Logger.Info("port held by agent, leaving it", "port", port, "pid", pid)
			continue
		}
		r.Logger.Warn("killing process on port", "port", port, "pid", pid)
		if err := r.Kill(ctx, pid, r.Grace); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		res.Killed = append(res.Killed, pid)
	}
	metrics.AddPortReclaims(fmt.Sprint(port), len(res.Killed))
	if len(errs) > 0 {
		return res, fmt.Errorf("%w on port %d: %w", ErrReclaimFailed, port, errors.Join(errs...))
	}
	return res, nil
}

func (r *Reclaimer) spare(ctx context.Context, pid int, keep func(int) bool) bool {
	if pid == r.self || pid == os.Getpid() {
		return true
	}
	if keep != nil && keep(pid) {
		return true
	}
	return r.isAgentInstance(ctx, pid)
}

// isAgentInstance matches other processes running the same executable.
func (r *Reclaimer) isAgentInstance(ctx context.Context, pid int) bool {
	if r.exe == "" {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil || exe == "" {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe == r.exe
}

// Listeners returns the distinct pids with a TCP socket in LISTEN state on port.
func Listeners(ctx context.Context, port int) ([]int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var out []int
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		pid := int(c.Pid)
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	return out, nil
}
