package versions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "versions.json"))
	require.NoError(t, err)
	assert.Empty(t, s.All())
	assert.Equal(t, "", s.Version("frontend"))
}

func TestSetPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "versions.json")
	s, err := Open(path)
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Set("frontend", "v1.2.0", at))
	require.NoError(t, s.Set("backend", "v0.9.1", at))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"updated_at": "2026-01-02T03:04:05Z"`)

	again, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", again.Version("frontend"))
	e, ok := again.Get("backend")
	require.True(t, ok)
	assert.True(t, e.UpdatedAt.Equal(at))
	assert.Equal(t, []string{"backend", "frontend"}, again.Components())
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestIsNewer(t *testing.T) {
	assert.True(t, IsNewer("", "v1"))
	assert.True(t, IsNewer("v1", "v2"))
	assert.False(t, IsNewer("v2", "v2"))
}
