// Package supervisor owns the registry of running services: it spawns them,
// waits for readiness, polls their liveness and tears them down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/pidfile"
	"github.com/loykin/deployr/internal/portreclaim"
	"github.com/loykin/deployr/internal/process"
)

const (
	DefaultStartGrace    = 3 * time.Second
	DefaultReadyTimeout  = 30 * time.Second
	DefaultReadyInterval = 500 * time.Millisecond
	DefaultStopWait      = 10 * time.Second
	crashTailLines       = 30
)

// PortReclaimer frees a port before spawn. keep marks pids that must survive.
type PortReclaimer interface {
	Reclaim(ctx context.Context, port int, keep func(pid int) bool) (portreclaim.Result, error)
}

// Options configures a Supervisor. Zero durations take the defaults above.
type Options struct {
	Log           logger.FileConfig
	PIDDir        string // pid files of live services; "" disables them
	Env           *env.Env
	StartGrace    time.Duration
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
	StopWait      time.Duration
	Reclaimer     PortReclaimer
	History       *history.Recorder
	Logger        *slog.Logger
}

type entry struct {
	svc   Service
	proc  *process.Process
	state State
}

// Supervisor starts, stops and monitors the registered services.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	services map[string]Service
	order    []string // registration order
	entries  map[string]*entry
	started  []string // start order, for StopAll
	last     map[string]State
	ops      map[string]*sync.Mutex
}

func New(opts Options) *Supervisor {
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = DefaultReadyInterval
	}
	if opts.StopWait <= 0 {
		opts.StopWait = DefaultStopWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	opts.Env.FromOS()
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		services: make(map[string]Service),
		entries:  make(map[string]*entry),
		last:     make(map[string]State),
		ops:      make(map[string]*sync.Mutex),
	}
}

// Register adds or replaces a service descriptor. A running instance keeps
// its old descriptor until it is restarted.
func (s *Supervisor) Register(svc Service) error {
	if err := (process.Spec{Name: svc.Name, Command: svc.Command}).Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.Name]; !ok {
		s.order = append(s.order, svc.Name)
	}
	s.services[svc.Name] = svc
	return nil
}

// Services returns the registered descriptors in registration order.
func (s *Supervisor) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.services[n])
	}
	return out
}

func (s *Supervisor) opLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ops[name]
	if !ok {
		l = &sync.Mutex{}
		s.ops[name] = l
	}
	return l
}

// Start brings name up. It is a no-op when a live instance is registered.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if e := s.entries[name]; e != nil {
		if e.proc.Alive() {
			s.mu.Unlock()
			s.log.Debug("service already running", "service", name, "pid", e.proc.PID())
			return nil
		}
		s.removeLocked(name)
	}
	s.mu.Unlock()

	if err := svc.missing(); err != nil {
		return err
	}

	if svc.Port > 0 && s.opts.Reclaimer != nil {
		res, err := s.opts.Reclaimer.Reclaim(ctx, svc.Port, s.ownsPID)
		if err != nil {
			s.log.Warn("port reclaim failed, starting anyway", "service", name, "port", svc.Port, "error", err)
		} else if len(res.Killed) > 0 {
			s.log.Info("port reclaimed", "service", name, "port", svc.Port, "killed", res.Killed)
		}
	}

	proc := process.New(process.Spec{
		Name:    svc.Name,
		Command: svc.Command,
		Args:    svc.Args,
		WorkDir: svc.WorkDir,
		Env:     s.opts.Env.Merge(svc.Env),
		Log:     s.opts.Log,
	})
	e := &entry{svc: svc, proc: proc}
	s.mu.Lock()
	delete(s.last, name)
	s.entries[name] = e
	s.setStateLocked(e, Starting)
	s.mu.Unlock()

	s.log.Info("starting service", "service", name, "port", svc.Port)
	if err := proc.Start(); err != nil {
		s.mu.Lock()
		s.removeLocked(name)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailure, name, err)
	}
	s.mu.Lock()
	s.started = append(s.started, name)
	s.mu.Unlock()
	if s.opts.PIDDir != "" {
		if err := pidfile.Write(ctx, s.opts.PIDDir, name, proc.PID()); err != nil {
			s.log.Warn("failed to write pid file", "service", name, "error", err)
		}
	}
	metrics.IncStart(name)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStart, Name: name, PID: proc.PID(), Status: string(Starting)})

	grace := time.NewTimer(s.opts.StartGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return s.crashed(ctx, e)
	case <-grace.C:
	case <-ctx.Done():
		s.abort(name, e)
		return ctx.Err()
	}

	if svc.Probe != nil {
		if err := s.awaitReady(ctx, e); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.setStateLocked(e, Running)
	s.mu.Unlock()
	s.log.Log(ctx, logger.LevelSuccess, "service running", "service", name, "pid", proc.PID())
	return nil
}

func (s *Supervisor) awaitReady(ctx context.Context, e *entry) error {
	name := e.svc.Name
	rctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	tick := time.NewTicker(s.opts.ReadyInterval)
	defer tick.Stop()
	var last error
	for {
		if last = e.svc.Probe.Ready(rctx); last == nil {
			return nil
		}
		select {
		case <-e.proc.Done():
			return s.crashed(ctx, e)
		case <-rctx.Done():
			select {
			case <-e.proc.Done():
				return s.crashed(ctx, e)
			default:
			}
			s.abort(name, e)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s within %s: %w", ErrNotReady, name, s.opts.ReadyTimeout, last)
		case <-tick.C:
		}
	}
}

// crashed marks e Crashed and builds the startup error. The entry stays in
// the registry so status reports the crash; the next Start discards it.
func (s *Supervisor) crashed(ctx context.Context, e *entry) error {
	st := e.proc.Snapshot()
	s.mu.Lock()
	s.setStateLocked(e, Crashed)
	s.mu.Unlock()
	metrics.IncCrash(e.svc.Name, "startup")
	logPath := e.proc.LogPath()
	tail, _ := logger.Tail(logPath, crashTailLines)
	cerr := &CrashError{Name: e.svc.Name, ExitCode: st.ExitCode, LogPath: logPath, Tail: tail}
	s.opts.History.Record(ctx, history.Event{Type: history.EventCrash, Name: e.svc.Name, PID: st.PID, Status: string(Crashed), Detail: fmt.Sprintf("exit code %d during startup", st.ExitCode)})
	s.log.Error("service crashed on startup", "service", e.svc.Name, "exit_code", st.ExitCode, "log", logPath)
	return cerr
}

// abort stops a half-started process and forgets it.
func (s *Supervisor) abort(name string, e *entry) {
	if _, err := e.proc.Stop(s.opts.StopWait); err != nil {
		s.log.Warn("failed to stop unready service", "service", name, "error", err)
	}
	s.mu.Lock()
	if s.entries[name] == e {
		s.removeLocked(name)
	}
	s.mu.Unlock()
}

// Stop terminates name. Stopping an unknown or already exited service
// succeeds with alreadyStopped=true. The registry entry is always removed.
func (s *Supervisor) Stop(ctx context.Context, name string) (alreadyStopped bool, err error) {
	lock := s.opLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e := s.entries[name]
	if e != nil {
		s.removeLocked(name)
		s.last[name] = Stopped
	}
	s.mu.Unlock()
	if e == nil || !e.proc.Alive() {
		return true, nil
	}

	wait := s.opts.StopWait
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = max(left, 0)
		}
	}
	s.log.Info("stopping service", "service", name, "pid", e.proc.PID())
	forced, err := e.proc.Stop(wait)
	metrics.IncStop(name, forced)
	if forced {
		s.log.Warn("service ignored termination, killed", "service", name)
	}
	st := e.proc.Snapshot()
	ev := history.Event{Type: history.EventStop, Name: name, PID: st.PID, Status: string(Stopped)}
	if err != nil {
		ev.Detail = err.Error()
	}
	s.opts.History.Record(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("stop %s: %w", name, err)
	}
	return false, nil
}

// StopAll stops every started service in reverse start order. Failures are
// logged and joined; the sweep always visits every service.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	names := slices.Clone(s.started)
	for n := range s.entries {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	s.mu.Unlock()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if _, err := s.Stop(ctx, names[i]); err != nil {
			s.log.Error("failed to stop service", "service", names[i], "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status polls the liveness of name. A Running service whose process has
// exited is reported, and recorded, as Crashed.
func (s *Supervisor) Status(name string) (Info, error) {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	info, crashed := s.infoLocked(svc)
	s.mu.Unlock()
	if crashed {
		s.noteCrash(info)
	}
	return info, nil
}

// Statuses returns the status of every registered service in registration order.
func (s *Supervisor) Statuses() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.order))
	var crashes []Info
	for _, n := range s.order {
		info, crashed := s.infoLocked(s.services[n])
		out = append(out, info)
		if crashed {
			crashes = append(crashes, info)
		}
	}
	s.mu.Unlock()
	for _, c := range crashes {
		s.noteCrash(c)
	}
	return out
}

func (s *Supervisor) infoLocked(svc Service) (Info, bool) {
	info := Info{Name: svc.Name, Kind: svc.Kind, Port: svc.Port, State: NotStarted}
	e := s.entries[svc.Name]
	if e == nil {
		if st, ok := s.last[svc.Name]; ok {
			info.State = st
		}
		return info, false
	}
	crashed := false
	if e.state == Running && !e.proc.Alive() {
		s.setStateLocked(e, Crashed)
		crashed = true
	}
	st := e.proc.Snapshot()
	info.State = e.state
	info.PID = st.PID
	info.StartedAt = st.StartedAt
	info.ExitCode = st.ExitCode
	info.LogPath = e.proc.LogPath()
	return info, crashed
}

func (s *Supervisor) noteCrash(info Info) {
	metrics.IncCrash(info.Name, "running")
	s.log.Error("service exited unexpectedly", "service", info.Name, "exit_code", info.ExitCode, "log", info.LogPath)
	s.opts.History.Record(context.Background(), history.Event{
		Type: history.EventCrash, Name: info.Name, PID: info.PID, Status: string(Crashed),
		Detail: fmt.Sprintf("exit code %d", info.ExitCode),
	})
}

// ReapOrphans terminates services recorded in pid files that are alive but
// not tracked by this supervisor, typically left over from an agent that
// died without stopping them. It returns the terminated pids.
func (s *Supervisor) ReapOrphans(ctx context.Context) []int {
	if s.opts.PIDDir == "" {
		return nil
	}
	s.mu.Lock()
	var names []string
	for _, n := range s.order {
		if s.entries[n] == nil {
			names = append(names, n)
		}
	}
	s.mu.Unlock()

	var reaped []int
	for _, name := range names {
		rec, err := pidfile.Read(pidfile.Path(s.opts.PIDDir, name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("unreadable pid file", "service", name, "error", err)
				_ = pidfile.Remove(s.opts.PIDDir, name)
			}
			continue
		}
		if rec.Alive(ctx) {
			s.log.Warn("stopping orphaned service", "service", name, "pid", rec.PID)
			ev := history.Event{Type: history.EventStop, Name: name, PID: rec.PID, Status: string(Stopped), Detail: "orphan of a previous agent"}
			if err := process.KillTree(ctx, rec.PID, s.opts.StopWait); err != nil {
				s.log.Error("failed to stop orphaned service", "service", name, "pid", rec.PID, "error", err)
				ev.Detail += ": " + err.Error()
			} else {
				reaped = append(reaped, rec.PID)
			}
			s.opts.History.Record(ctx, ev)
		}
		_ = pidfile.Remove(s.opts.PIDDir, name)
	}
	return reaped
}

// PIDs returns the pids of live services, keyed by name.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.entries))
	for n, e := range s.entries {
		if e.proc.Alive() {
			out[n] = int32(e.proc.PID())
		}
	}
	return out
}

// ownsPID reports whether pid belongs to a process tree this supervisor spawned.
func (s *Supervisor) ownsPID(pid int) bool {
	for _, root := range s.PIDs() {
		if int(root) == pid || slices.Contains(process.Descendants(context.Background(), int(root)), pid) {
			return true
		}
	}
	return false
}

func (s *Supervisor) setStateLocked(e *entry, st State) {
	e.state = st
	metrics.SetState(e.svc.Name, string(st), allStates)
}

func (s *Supervisor) removeLocked(name string) {
	if s.opts.PIDDir != "" {
		_ = pidfile.Remove(s.opts.PIDDir, name)
	}
	delete(s.entries, name)
	s.started = slices.DeleteFunc(s.started, func(n string) bool { return n == name })
	metrics.SetState(name, string(NotStarted), allStates)
}
