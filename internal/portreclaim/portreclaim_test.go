package portreclaim

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type killRecorder struct {
	pids []int
	fail map[int]error
}

func (k *killRecorder) kill(_ context.Context, pid int, _ time.Duration) error {
	k.pids = append(k.pids, pid)
	return k.fail[pid]
}

func newTestReclaimer(pids []int, k *killRecorder) *Reclaimer {
	r := New(nil)
	r.Listeners = func(context.Context, int) ([]int, error) { return pids, nil }
	r.Kill = k.kill
	return r
}

func TestReclaimNeverKillsSelf(t *testing.T) {
	k := &killRecorder{}
	r := newTestReclaimer([]int{os.Getpid()}, k)

	res, err := r.Reclaim(context.Background(), 3200, nil)
	require.NoError(t, err)
	assert.Empty(t, k.pids)
	assert.Equal(t, []int{os.Getpid()}, res.Skipped)
	assert.False(t, res.Free())
}

func TestReclaimSelfHoldingRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	k := &killRecorder{}
	r := New(nil)
	r.Kill = k.kill
	res, err := r.Reclaim(context.Background(), port, nil)
	if err != nil {
		t.Skipf("connection table unavailable: %v", err)
	}
	assert.Empty(t, k.pids)
	assert.Empty(t, res.Killed)
}

func TestReclaimKillsForeignAndHonoursKeep(t *testing.T) {
	k := &killRecorder{}
	r := newTestReclaimer([]int{999991, 999992}, k)

	res, err := r.Reclaim(context.Background(), 3100, func(pid int) bool { return pid == 999992 })
	require.NoError(t, err)
	assert.Equal(t, []int{999991}, k.pids)
	assert.Equal(t, []int{999991}, res.Killed)
	assert.Equal(t, []int{999992}, res.Skipped)
}

func TestReclaimReportsKillFailure(t *testing.T) {
	k := &killRecorder{fail: map[int]error{999993: errors.New("permission denied")}}
	r := newTestReclaimer([]int{999993}, k)

	res, err := r.Reclaim(context.Background(), 3307, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReclaimFailed)
	assert.Empty(t, res.Killed)
}

func TestReclaimListerError(t *testing.T) {
	r := New(nil)
	r.Listeners = func(context.Context, int) ([]int, error) { return nil, errors.New("no procfs") }
	_, err := r.Reclaim(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrReclaimFailed)
}

func TestReclaimFreePort(t *testing.T) {
	r := newTestReclaimer(nil, &killRecorder{})
	res, err := r.Reclaim(context.Background(), 3100, nil)
	require.NoError(t, err)
	assert.True(t, res.Free())
}
