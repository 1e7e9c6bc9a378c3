package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()
	run := history.NewRunID()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: base, Name: "backend", PID: 123, Status: "running"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventCrash, OccurredAt: base.Add(time.Second), Name: "frontend", PID: 124, Status: "crashed", Detail: "exit status 1"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventPipeline, OccurredAt: base.Add(2 * time.Second), Name: "install", Status: "ok", RunID: run}))

	got, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventPipeline, got[0].Type)
	assert.Equal(t, run, got[0].RunID)
	assert.Equal(t, "frontend", got[1].Name)
	assert.Equal(t, "exit status 1", got[1].Detail)
	assert.Equal(t, 124, got[1].PID)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now(), Name: "db"}))
	got, err := sink.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
