// Package stack describes the three supervised services and the
// dependency tasks of the released components, derived from the config.
package stack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/database"
	"github.com/loykin/deployr/internal/depsetup"
	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/supervisor"
)

// Service names, in start order.
const (
	Database = "mariadb"
	Backend  = "backend"
	Frontend = "frontend"
)

// StartOrder is the order services are brought up in.
var StartOrder = []string{Database, Backend, Frontend}

// Component is a released application tree.
type Component struct {
	Name string
	Repo string
	Dir  string
}

// Components returns the released components in download order.
func Components(c *config.Config) []Component {
	return []Component{
		{Name: Frontend, Repo: c.Release.FrontendRepo, Dir: c.FrontendDir()},
		{Name: Backend, Repo: c.Release.BackendRepo, Dir: c.BackendDir()},
	}
}

// Preserved lists the entries kept across re-extraction of a component.
var Preserved = []string{"node_modules"}

// ExeSuffix is appended to bundled binary names.
func ExeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// Tool resolves a bundled tool, falling back to PATH lookup by bare name.
func Tool(dir, name string) string {
	p := filepath.Join(dir, name+ExeSuffix())
	if _, err := os.Stat(p); err == nil {
		return p
	}
	if runtime.GOOS == "windows" {
		if cmd := filepath.Join(dir, name+".cmd"); fileExists(cmd) {
			return cmd
		}
	}
	return name
}

// Env is the agent-wide child environment: bundled tool directories first on PATH.
func Env(c *config.Config) *env.Env {
	e := env.New()
	e.PrependPath(env.Dirs(c.NodeDir(), c.PnpmDir(), filepath.Join(c.MariaDBDir(), "bin"))...)
	e.Set("NODE_ENV", c.App.NodeEnv)
	return e
}

// DB returns the connection settings of the bundled server.
func DB(c *config.Config) database.Config {
	return database.Config{
		Host:     c.Database.Host,
		Port:     c.Ports.Database,
		User:     c.Database.User,
		Password: c.Database.Password,
		Name:     c.Database.Name,
	}
}

// Services returns the service descriptors in start order. A command line
// configured under [commands] replaces a service's command and arguments.
func Services(c *config.Config) []supervisor.Service {
	mysqld := filepath.Join(c.MariaDBDir(), "bin", "mysqld"+ExeSuffix())
	db := DB(c)
	backendMain := filepath.Join(c.BackendDir(), "dist", "src", "main.js")
	svcs := []supervisor.Service{
		{
			Name:    Database,
			Kind:    supervisor.KindDatabase,
			Command: mysqld,
			Args:    database.ServerArgs(c.MariaDBData(), c.Ports.Database),
			WorkDir: c.MariaDBDir(),
			Port:    c.Ports.Database,
			Requires: []supervisor.Requirement{
				{Path: mysqld, What: "MariaDB server binary"},
				{Path: filepath.Join(c.MariaDBData(), "mysql"), What: "initialized data directory"},
			},
			Probe: supervisor.ProbeFunc(func(ctx context.Context) error { return database.Ping(ctx, db) }),
		},
		{
			Name:    Backend,
			Kind:    supervisor.KindBackend,
			Command: Tool(c.NodeDir(), "node"),
			Args:    []string{backendMain},
			WorkDir: c.BackendDir(),
			Port:    c.Ports.Backend,
			Env: []string{
				"PORT=" + strconv.Itoa(c.Ports.Backend),
				"DATABASE_URL=" + db.URL(),
			},
			Requires: []supervisor.Requirement{
				{Path: backendMain, What: "backend build"},
				{Path: filepath.Join(c.BackendDir(), "node_modules"), What: "node_modules"},
			},
			Probe: supervisor.TCPProbe(localAddr(c.Ports.Backend)),
		},
		{
			Name:    Frontend,
			Kind:    supervisor.KindFrontend,
			Command: Tool(c.PnpmDir(), "pnpm"),
			Args:    []string{"start"},
			WorkDir: c.FrontendDir(),
			Port:    c.Ports.Frontend,
			Env:     []string{"PORT=" + strconv.Itoa(c.Ports.Frontend)},
			Requires: []supervisor.Requirement{
				{Path: filepath.Join(c.FrontendDir(), "package.json"), What: "frontend build"},
				{Path: filepath.Join(c.FrontendDir(), "node_modules"), What: "node_modules"},
			},
			Probe: supervisor.TCPProbe(localAddr(c.Ports.Frontend)),
		},
	}
	for i := range svcs {
		if line := strings.TrimSpace(c.Commands[svcs[i].Name]); line != "" {
			svcs[i].Command, svcs[i].Args = line, nil
		}
	}
	return svcs
}

func localAddr(port int) string { return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) }

// Seeds maps seed names to package scripts.
var Seeds = map[string]string{
	"all":            "prisma:seed",
	"services":       "prisma:seed:services",
	"store-settings": "prisma:seed:store-settings",
	"pet-species":    "prisma:seed:pet-species",
	"owners-pets":    "prisma:seed:owners-pets",
	"products-mix":   "prisma:seed:products-mix",
}

// SeedNames lists valid seed names, sorted.
func SeedNames() []string {
	out := make([]string, 0, len(Seeds))
	for k := range Seeds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Tasks builds dependency tasks with the agent environment applied.
type Tasks struct {
	cfg *config.Config
	env []string
}

func NewTasks(c *config.Config, e *env.Env) Tasks {
	return Tasks{cfg: c, env: e.Merge([]string{"DATABASE_URL=" + DB(c).URL()})}
}

func (t Tasks) pnpm(component, name, dir string, args ...string) depsetup.Task {
	return depsetup.Task{
		Component: component,
		Name:      name,
		Command:   Tool(t.cfg.PnpmDir(), "pnpm"),
		Args:      args,
		Dir:       dir,
		Env:       t.env,
	}
}

// Install installs production dependencies of a component.
func (t Tasks) Install(comp Component) depsetup.Task {
	return t.pnpm(comp.Name, "install", comp.Dir, "install", "--production", "--ignore-scripts")
}

// Generate pre-generates the database client of the backend.
func (t Tasks) Generate() depsetup.Task {
	return t.pnpm(Backend, "generate", t.cfg.BackendDir(), "prisma", "generate")
}

// Migrate applies pending migrations.
func (t Tasks) Migrate() depsetup.Task {
	return t.pnpm(Backend, "migrate", t.cfg.BackendDir(), "prisma", "migrate", "deploy")
}

// ErrUnknownSeed is returned for a seed name with no script.
var ErrUnknownSeed = errors.New("unknown seed type")

// Seed runs a named seed script.
func (t Tasks) Seed(name string) (depsetup.Task, error) {
	script, ok := Seeds[name]
	if !ok {
		return depsetup.Task{}, fmt.Errorf("%w %q (valid: %s)", ErrUnknownSeed, name, strings.Join(SeedNames(), ", "))
	}
	return t.pnpm(Backend, "seed-"+name, t.cfg.BackendDir(), "run", script), nil
}

// InitDB initializes the database data directory.
func (t Tasks) InitDB() depsetup.Task {
	prog, args := database.InitCommand(filepath.Join(t.cfg.MariaDBDir(), "bin"), t.cfg.MariaDBData(), ExeSuffix())
	return depsetup.Task{Component: Database, Name: "init", Command: prog, Args: args, Dir: t.cfg.MariaDBDir(), Env: t.env}
}

// ClientGenerated reports whether the backend's database client exists.
func ClientGenerated(c *config.Config) bool {
	return dirExists(filepath.Join(c.BackendDir(), "node_modules", ".prisma", "client"))
}

// DepsInstalled reports whether a component's dependency directory is populated.
func DepsInstalled(comp Component) bool {
	entries, err := os.ReadDir(filepath.Join(comp.Dir, "node_modules"))
	return err == nil && len(entries) > 0
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
