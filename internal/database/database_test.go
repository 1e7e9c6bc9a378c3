package database

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestDSN(t *testing.T) {
	c := Config{Host: "127.0.0.1", Port: 3307, User: "root", Password: "pw", Name: "4paws_db"}
	assert.Contains(t, c.DSN(true), "root:pw@tcp(127.0.0.1:3307)/4paws_db")
	assert.Contains(t, c.DSN(false), "@tcp(127.0.0.1:3307)/?")
	assert.Equal(t, "mysql://root:pw@127.0.0.1:3307/4paws_db", c.URL())
	assert.Equal(t, "mysql://root@127.0.0.1:3307/db", Config{Host: "127.0.0.1", Port: 3307, User: "root", Name: "db"}.URL())
}

func TestInitializedAndInitCommand(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	assert.False(t, Initialized(data))

	prog, args := InitCommand(bin, data, "")
	assert.Equal(t, filepath.Join(bin, "mysqld"), prog)
	assert.Contains(t, args, "--initialize-insecure")

	require.NoError(t, os.WriteFile(filepath.Join(bin, "mysql_install_db"), nil, 0o755))
	prog, args = InitCommand(bin, data, "")
	assert.Equal(t, filepath.Join(bin, "mysql_install_db"), prog)
	assert.Equal(t, []string{"--datadir=" + data, "--default-user"}, args)

	require.NoError(t, os.MkdirAll(filepath.Join(data, "mysql"), 0o755))
	assert.True(t, Initialized(data))
}

func TestServerArgs(t *testing.T) {
	args := ServerArgs("/srv/data", 3307)
	assert.Contains(t, args, "--port=3307")
	assert.Contains(t, args, "--datadir=/srv/data")
	assert.Contains(t, args, "--skip-grant-tables")
}

func TestRejectsBadIdentifiers(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, CreateDatabase(ctx, Config{Name: "x; DROP"}))
	_, err := TableEmpty(ctx, Config{Name: "db"}, "users`")
	assert.Error(t, err)
}

func TestMariaDB_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := mariadb.Run(ctx, "mariadb:11.4",
		mariadb.WithDatabase("bootstrap"),
		mariadb.WithUsername("root"),
		mariadb.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("3306/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("MariaDB container unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	mapped, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	c := Config{Host: host, Port: port, User: "root", Password: "secret", Name: "4paws_db"}
	require.Eventually(t, func() bool { return Ping(ctx, c) == nil }, 30*time.Second, 500*time.Millisecond)

	require.NoError(t, CreateDatabase(ctx, c))
	require.NoError(t, CreateDatabase(ctx, c))

	empty, err := TableEmpty(ctx, c, "users")
	require.NoError(t, err)
	assert.True(t, empty, "missing table counts as empty")

	db, err := Open(ctx, c, true)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(ctx, "CREATE TABLE users (id INT PRIMARY KEY)")
	require.NoError(t, err)
	empty, err = TableEmpty(ctx, c, "users")
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = db.ExecContext(ctx, "INSERT INTO users (id) VALUES (1)")
	require.NoError(t, err)
	empty, err = TableEmpty(ctx, c, "users")
	require.NoError(t, err)
	assert.False(t, empty)
}
