// Package orchestrator drives the install, update and start pipelines:
// download, extract, dependency setup, database, license and start.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/depsetup"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/license"
	"github.com/loykin/deployr/internal/progress"
	"github.com/loykin/deployr/internal/stack"
	"github.com/loykin/deployr/internal/supervisor"
	"github.com/loykin/deployr/internal/versions"
)

// ErrInProgress is returned when a pipeline is already running.
var ErrInProgress = errors.New("installation already in progress")

// Fetcher resolves and downloads release artifacts.
type Fetcher interface {
	FetchLatest(ctx context.Context, repo string) (artifact.Asset, error)
	Download(ctx context.Context, asset artifact.Asset, dest string, progress func(written, total int64)) error
}

// TaskRunner runs dependency subprocesses.
type TaskRunner interface {
	Run(ctx context.Context, t depsetup.Task) error
}

// Services is the process supervisor surface the pipelines use.
type Services interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) (bool, error)
	StopAll(ctx context.Context) error
	Statuses() []supervisor.Info
}

// Authorizer gates startup.
type Authorizer interface {
	Check(ctx context.Context) license.Result
}

// Database is the bundled database server.
type Database interface {
	Initialized(dataDir string) bool
	CreateDatabase(ctx context.Context) error
	TableEmpty(ctx context.Context, table string) (bool, error)
}

// Options wires an Orchestrator. Observer, History and Logger are optional.
type Options struct {
	Config     *config.Config
	Fetcher    Fetcher
	Runner     TaskRunner
	Supervisor Services
	License    Authorizer
	Database   Database
	Versions   *versions.Store
	Tasks      stack.Tasks
	Observer   progress.Observer
	History    *history.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator runs at most one pipeline at a time.
type Orchestrator struct {
	opts Options
	log  *slog.Logger
	obs  progress.Observer

	running atomic.Bool

	mu        sync.Mutex
	lastCheck *UpdateCheck
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	obs := opts.Observer
	if obs == nil {
		obs = progress.Funcs{}
	}
	return &Orchestrator{opts: opts, log: opts.Logger, obs: obs}
}

// Running reports whether a pipeline is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// acquire sets the in-progress flag, failing when it is already set.
func (o *Orchestrator) acquire() error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	return nil
}

func (o *Orchestrator) release() { o.running.Store(false) }

// launch takes the in-progress flag and runs fn in the background, holding
// the flag until fn returns.
func (o *Orchestrator) launch(ctx context.Context, fn func(context.Context) error, done func(error)) error {
	if err := o.acquire(); err != nil {
		return err
	}
	go func() {
		err := fn(ctx)
		o.release()
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// say logs msg and forwards it to the observer.
func (o *Orchestrator) say(level progress.Level, msg string, args ...any) {
	o.log.Log(context.Background(), progress.SlogLevel(level), msg, args...)
	o.obs.OnLog(msg, level)
}
