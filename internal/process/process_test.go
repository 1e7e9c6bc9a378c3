package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/deployr/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWritesCombinedLog(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	p := New(Spec{
		Name:    "cfg",
		Command: "sh -c 'echo out; echo err 1>&2; pwd; echo $FOO'",
		WorkDir: work,
		Env:     []string{"FOO=bar", "PATH=" + os.Getenv("PATH")},
		Log:     logger.FileConfig{Dir: filepath.Join(dir, "logs")},
	})
	require.NoError(t, p.Start())
	require.NoError(t, p.Wait(context.Background()))

	b, err := os.ReadFile(p.LogPath())
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "err")
	assert.Contains(t, out, "bar")
	assert.True(t, strings.Contains(out, "work"))

	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.ExitCode)
	assert.False(t, p.Alive())
}

func TestStartTwiceFails(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "s", Command: "sleep 5"})
	require.NoError(t, p.Start())
	defer func() { _ = p.Kill() }()
	assert.Error(t, p.Start())
}

func TestStartMissingBinary(t *testing.T) {
	p := New(Spec{Name: "nope", Command: filepath.Join(t.TempDir(), "missing-bin"), Args: []string{"x"}})
	assert.Error(t, p.Start())
	assert.False(t, p.Alive())
	assert.Nil(t, p.Done())
}

func TestStopGraceful(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "sleeper", Command: "sleep 30"})
	require.NoError(t, p.Start())
	require.True(t, p.Alive())

	forced, err := p.Stop(2 * time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.False(t, p.Alive())
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"})
	require.NoError(t, p.Start())
	time.Sleep(100 * time.Millisecond)

	forced, err := p.Stop(300 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, forced)
	assert.False(t, p.Alive())
}

func TestStopKillsChildren(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	p := New(Spec{Name: "parent", Command: "sh -c 'sleep 30 & echo $! > " + pidFile + "; wait'"})
	require.NoError(t, p.Start())

	var childPID int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		_, err = fmtSscan(strings.TrimSpace(string(b)), &childPID)
		return err == nil && childPID > 0
	}, 2*time.Second, 20*time.Millisecond)

	_, err := p.Stop(time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !Alive(childPID) || isZombie(context.Background(), childPID) },
		2*time.Second, 20*time.Millisecond)
}

func TestStopOnExitedProcessIsNoop(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "quick", Command: "true"})
	require.NoError(t, p.Start())
	require.NoError(t, p.Wait(context.Background()))
	forced, err := p.Stop(time.Second)
	assert.NoError(t, err)
	assert.False(t, forced)
}

func TestWaitBeforeStart(t *testing.T) {
	assert.ErrorIs(t, New(Spec{Name: "x", Command: "true"}).Wait(context.Background()), ErrNotStarted)
}

func TestKillTreeOfForeignProcess(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "foreign", Command: "sleep 30"})
	require.NoError(t, p.Start())
	pid := p.PID()

	require.NoError(t, KillTree(context.Background(), pid, 500*time.Millisecond))
	require.NoError(t, p.Wait(context.Background()))
	assert.False(t, p.Alive())
}
