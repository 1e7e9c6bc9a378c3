// Package database talks to the bundled MariaDB server: readiness, schema
// creation and the seed-if-empty probe.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Config locates the server.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

var identRe = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// DSN renders a go-sql-driver DSN. With withDB false no default schema is
// selected, which is what CREATE DATABASE needs.
func (c Config) DSN(withDB bool) string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.Timeout = 5 * time.Second
	mc.ParseTime = true
	if withDB {
		mc.DBName = c.Name
	}
	return mc.FormatDSN()
}

// URL renders the connection string the backend application expects.
func (c Config) URL() string {
	auth := c.User
	if c.Password != "" {
		auth += ":" + c.Password
	}
	return fmt.Sprintf("mysql://%s@%s:%d/%s", auth, c.Host, c.Port, c.Name)
}

// Open connects with sqlx.
func Open(ctx context.Context, c Config, withDB bool) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", c.DSN(withDB))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Ping succeeds once the server accepts authenticated connections.
func Ping(ctx context.Context, c Config) error {
	db, err := Open(ctx, c, false)
	if err != nil {
		return err
	}
	return db.Close()
}

// CreateDatabase creates the application schema if it does not exist.
func CreateDatabase(ctx context.Context, c Config) error {
	if !identRe.MatchString(c.Name) {
		return fmt.Errorf("invalid database name %q", c.Name)
	}
	db, err := Open(ctx, c, false)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+c.Name+"` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci")
	return err
}

// TableEmpty reports whether table has no rows. A missing table counts as empty.
func TableEmpty(ctx context.Context, c Config, table string) (bool, error) {
	if !identRe.MatchString(table) {
		return false, fmt.Errorf("invalid table name %q", table)
	}
	db, err := Open(ctx, c, true)
	if err != nil {
		return false, err
	}
	defer func() { _ = db.Close() }()
	var n int64
	err = db.GetContext(ctx, &n, "SELECT COUNT(*) FROM `"+table+"`")
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1146 {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Initialized reports whether dataDir already holds a system schema.
func Initialized(dataDir string) bool {
	st, err := os.Stat(filepath.Join(dataDir, "mysql"))
	return err == nil && st.IsDir()
}

// InitCommand returns the program and arguments that initialize dataDir,
// preferring mysql_install_db when the distribution ships it.
func InitCommand(binDir, dataDir, exeSuffix string) (string, []string) {
	installDB := filepath.Join(binDir, "mysql_install_db"+exeSuffix)
	if _, err := os.Stat(installDB); err == nil {
		return installDB, []string{"--datadir=" + dataDir, "--default-user"}
	}
	return filepath.Join(binDir, "mysqld"+exeSuffix), []string{"--datadir=" + dataDir, "--initialize-insecure"}
}

// ServerArgs are the mysqld arguments used to run the bundled server.
func ServerArgs(dataDir string, port int) []string {
	return []string{
		"--datadir=" + dataDir,
		"--port=" + strconv.Itoa(port),
		"--default-storage-engine=InnoDB",
		"--skip-grant-tables",
		"--console",
	}
}

// Server binds the operations above to one Config.
type Server struct{ Config Config }

func (s Server) Ping(ctx context.Context) error           { return Ping(ctx, s.Config) }
func (s Server) CreateDatabase(ctx context.Context) error { return CreateDatabase(ctx, s.Config) }
func (s Server) TableEmpty(ctx context.Context, table string) (bool, error) {
	return TableEmpty(ctx, s.Config, table)
}
func (s Server) Initialized(dataDir string) bool { return Initialized(dataDir) }
