package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/portreclaim"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type fakeReclaimer struct {
	mu    sync.Mutex
	ports []int
	keep  func(int) bool
	err   error
}

func (f *fakeReclaimer) Reclaim(_ context.Context, port int, keep func(int) bool) (portreclaim.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = append(f.ports, port)
	f.keep = keep
	return portreclaim.Result{Port: port}, f.err
}

func (f *fakeReclaimer) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...)
}

func newTestSupervisor(t *testing.T, mod func(*Options)) (*Supervisor, *history.Memory, *fakeReclaimer) {
	t.Helper()
	mem := history.NewMemory(0)
	rec := &fakeReclaimer{}
	opts := Options{
		Log:           logger.FileConfig{Dir: t.TempDir()},
		StartGrace:    50 * time.Millisecond,
		ReadyTimeout:  time.Second,
		ReadyInterval: 20 * time.Millisecond,
		StopWait:      time.Second,
		Reclaimer:     rec,
		History:       history.NewRecorder(nil, mem),
	}
	if mod != nil {
		mod(&opts)
	}
	s := New(opts)
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })
	return s, mem, rec
}

func countEvents(mem *history.Memory, typ history.EventType, name string) int {
	n := 0
	for _, e := range mem.Events() {
		if e.Type == typ && e.Name == name {
			n++
		}
	}
	return n
}

func TestStartTwiceDoesNotRespawn(t *testing.T) {
	requireUnix(t)
	s, mem, _ := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Service{Name: "backend", Kind: KindBackend, Command: "sleep 30", Port: 3200}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, "backend"))
	first, err := s.Status("backend")
	require.NoError(t, err)
	require.Equal(t, Running, first.State)

	require.NoError(t, s.Start(ctx, "backend"))
	second, _ := s.Status("backend")
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, 1, countEvents(mem, history.EventStart, "backend"))
}

func TestStopUnregisteredAndEmptyStopAll(t *testing.T) {
	s, _, _ := newTestSupervisor(t, nil)
	already, err := s.Stop(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, already)
	assert.NoError(t, s.StopAll(context.Background()))
}

func TestStartMissingDependencyDirLeavesNoEntry(t *testing.T) {
	requireUnix(t)
	s, _, rec := newTestSupervisor(t, nil)
	dir := t.TempDir()
	require.NoError(t, s.Register(Service{
		Name:     "frontend",
		Kind:     KindFrontend,
		Command:  "sleep 30",
		WorkDir:  dir,
		Port:     3100,
		Requires: []Requirement{{Path: filepath.Join(dir, "node_modules"), What: "node_modules"}},
	}))

	err := s.Start(context.Background(), "frontend")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.Contains(t, err.Error(), "node_modules")

	info, err := s.Status("frontend")
	require.NoError(t, err)
	assert.Equal(t, NotStarted, info.State)
	assert.Empty(t, s.PIDs())
	assert.Empty(t, rec.calls(), "port must not be touched before requirements pass")
}

func TestStartUnknownService(t *testing.T) {
	s, _, _ := newTestSupervisor(t, nil)
	assert.ErrorIs(t, s.Start(context.Background(), "nope"), ErrUnknownService)
}

func TestCrashOnStartupCarriesLogTail(t *testing.T) {
	requireUnix(t)
	s, mem, _ := newTestSupervisor(t, func(o *Options) { o.StartGrace = 500 * time.Millisecond })
	require.NoError(t, s.Register(Service{Name: "backend", Command: "sh -c 'echo cannot bind; exit 3'"}))

	err := s.Start(context.Background(), "backend")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrashedOnStartup)
	var ce *CrashError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.ExitCode)
	assert.Contains(t, ce.Tail, "cannot bind")

	info, _ := s.Status("backend")
	assert.Equal(t, Crashed, info.State)
	assert.Equal(t, 1, countEvents(mem, history.EventCrash, "backend"))

	// a crashed entry is discarded by the next Start
	require.NoError(t, s.Register(Service{Name: "backend", Command: "sleep 30"}))
	require.NoError(t, s.Start(context.Background(), "backend"))
	info, _ = s.Status("backend")
	assert.Equal(t, Running, info.State)
}

func TestReadinessProbe(t *testing.T) {
	requireUnix(t)
	s, _, _ := newTestSupervisor(t, nil)
	var calls atomic.Int32
	require.NoError(t, s.Register(Service{
		Name:    "mariadb",
		Kind:    KindDatabase,
		Command: "sleep 30",
		Probe: ProbeFunc(func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		}),
	}))
	require.NoError(t, s.Start(context.Background(), "mariadb"))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	info, _ := s.Status("mariadb")
	assert.Equal(t, Running, info.State)
}

func TestReadinessTimeoutStopsProcess(t *testing.T) {
	requireUnix(t)
	s, _, _ := newTestSupervisor(t, func(o *Options) { o.ReadyTimeout = 200 * time.Millisecond })
	require.NoError(t, s.Register(Service{
		Name:    "mariadb",
		Command: "sleep 30",
		Probe:   ProbeFunc(func(context.Context) error { return errors.New("refused") }),
	}))

	err := s.Start(context.Background(), "mariadb")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, s.PIDs())
	info, _ := s.Status("mariadb")
	assert.Equal(t, NotStarted, info.State)
}

func TestStatusDetectsCrashAfterRunning(t *testing.T) {
	requireUnix(t)
	s, mem, _ := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Service{Name: "frontend", Command: "sh -c 'sleep 0.3; exit 1'"}))
	require.NoError(t, s.Start(context.Background(), "frontend"))

	require.Eventually(t, func() bool {
		info, _ := s.Status("frontend")
		return info.State == Crashed
	}, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, 1, countEvents(mem, history.EventCrash, "frontend"))

	// repeated polls do not record the crash twice
	_ = s.Statuses()
	assert.Equal(t, 1, countEvents(mem, history.EventCrash, "frontend"))
}

func TestStopRunningAndStopAllReverseOrder(t *testing.T) {
	requireUnix(t)
	s, mem, _ := newTestSupervisor(t, nil)
	for _, n := range []string{"mariadb", "backend", "frontend"} {
		require.NoError(t, s.Register(Service{Name: n, Command: "sleep 30"}))
		require.NoError(t, s.Start(context.Background(), n))
	}

	already, err := s.Stop(context.Background(), "frontend")
	require.NoError(t, err)
	assert.False(t, already)
	info, _ := s.Status("frontend")
	assert.Equal(t, Stopped, info.State)

	require.NoError(t, s.Start(context.Background(), "frontend"))
	require.NoError(t, s.StopAll(context.Background()))
	assert.Empty(t, s.PIDs())

	var order []string
	for _, e := range mem.Events() {
		if e.Type == history.EventStop {
			order = append(order, e.Name)
		}
	}
	assert.Equal(t, []string{"frontend", "frontend", "backend", "mariadb"}, order)

	for _, i := range s.Statuses() {
		assert.Equal(t, Stopped, i.State, i.Name)
	}
}

func TestReclaimKeepsOwnChildren(t *testing.T) {
	requireUnix(t)
	s, _, rec := newTestSupervisor(t, nil)
	require.NoError(t, s.Register(Service{Name: "backend", Command: "sleep 30", Port: 3200}))
	require.NoError(t, s.Register(Service{Name: "frontend", Command: "sleep 30", Port: 3100}))
	require.NoError(t, s.Start(context.Background(), "backend"))
	require.NoError(t, s.Start(context.Background(), "frontend"))

	assert.Equal(t, []int{3200, 3100}, rec.calls())
	backendPID := int(s.PIDs()["backend"])
	require.NotNil(t, rec.keep)
	assert.True(t, rec.keep(backendPID))
	assert.False(t, rec.keep(os.Getppid()))
}

func TestReclaimFailureIsOnlyAWarning(t *testing.T) {
	requireUnix(t)
	s, _, rec := newTestSupervisor(t, nil)
	rec.err = portreclaim.ErrReclaimFailed
	require.NoError(t, s.Register(Service{Name: "backend", Command: "sleep 30", Port: 3200}))
	assert.NoError(t, s.Start(context.Background(), "backend"))
}

func TestRegisterValidates(t *testing.T) {
	s, _, _ := newTestSupervisor(t, nil)
	assert.Error(t, s.Register(Service{Name: "x"}))
	assert.Error(t, s.Register(Service{Command: "true"}))
}

func TestTCPProbe(t *testing.T) {
	p := TCPProbe("127.0.0.1:1")
	assert.Error(t, p.Ready(context.Background()))
}

func TestPidFileFollowsService(t *testing.T) {
	requireUnix(t)
	pidDir := t.TempDir()
	s, _, _ := newTestSupervisor(t, func(o *Options) { o.PIDDir = pidDir })
	require.NoError(t, s.Register(Service{Name: "backend", Command: "sleep 30"}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, "backend"))
	_, err := os.Stat(filepath.Join(pidDir, "backend.pid"))
	require.NoError(t, err)

	_, err = s.Stop(ctx, "backend")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(pidDir, "backend.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestReapOrphansFromPreviousAgent(t *testing.T) {
	requireUnix(t)
	pidDir := t.TempDir()
	old, _, _ := newTestSupervisor(t, func(o *Options) { o.PIDDir = pidDir })
	require.NoError(t, old.Register(Service{Name: "backend", Command: "sleep 30"}))
	require.NoError(t, old.Start(context.Background(), "backend"))
	orphan := int(old.PIDs()["backend"])

	fresh, mem, _ := newTestSupervisor(t, func(o *Options) { o.PIDDir = pidDir })
	require.NoError(t, fresh.Register(Service{Name: "backend", Command: "sleep 30"}))
	require.NoError(t, fresh.Register(Service{Name: "frontend", Command: "sleep 30"}))

	reaped := fresh.ReapOrphans(context.Background())
	assert.Equal(t, []int{orphan}, reaped)
	assert.Eventually(t, func() bool { return len(old.PIDs()) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, countEvents(mem, history.EventStop, "backend"))

	_, err := os.Stat(filepath.Join(pidDir, "backend.pid"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, fresh.ReapOrphans(context.Background()))
}
