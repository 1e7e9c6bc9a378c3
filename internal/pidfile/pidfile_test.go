package pidfile

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, Write(ctx, dir, "backend", os.Getpid()))

	rec, err := Read(Path(dir, "backend"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Positive(t, rec.StartUnix)
	assert.True(t, rec.Alive(ctx))

	require.NoError(t, Remove(dir, "backend"))
	_, err = os.Stat(Path(dir, "backend"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, Remove(dir, "backend"))
}

func TestReusedPidIsNotAlive(t *testing.T) {
	rec := Record{PID: os.Getpid(), StartUnix: 1}
	assert.False(t, rec.Alive(context.Background()))
}

func TestPidWithoutMeta(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir, "mariadb"), []byte("12345\n"), 0o644))
	rec, err := Read(Path(dir, "mariadb"))
	require.NoError(t, err)
	assert.Equal(t, Record{PID: 12345}, rec)

	require.NoError(t, os.WriteFile(Path(dir, "bad"), []byte("not-a-pid"), 0o644))
	_, err = Read(Path(dir, "bad"))
	assert.Error(t, err)
}
