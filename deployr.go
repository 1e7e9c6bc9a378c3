// Package deployr is the on-premise deployment agent: it installs, updates,
// licenses and supervises a three-tier application (bundled MariaDB, a
// Node.js backend and a Node.js frontend) on a single host.
package deployr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/database"
	"github.com/loykin/deployr/internal/depsetup"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/license"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/orchestrator"
	"github.com/loykin/deployr/internal/portreclaim"
	"github.com/loykin/deployr/internal/progress"
	"github.com/loykin/deployr/internal/server"
	"github.com/loykin/deployr/internal/stack"
	"github.com/loykin/deployr/internal/supervisor"
	"github.com/loykin/deployr/internal/versions"
)

// Re-export the types callers see in results.

type Config = config.Config

type ServiceInfo = supervisor.Info

type LicenseResult = license.Result

type UpdateInfo = orchestrator.UpdateInfo

type Event = history.Event

type Progress = progress.Progress

var _ server.Agent = (*Agent)(nil)

// LoadConfig reads the agent configuration. See config.Load.
func LoadConfig(path, baseDir string) (*Config, error) { return config.Load(path, baseDir) }

// Agent wires the supervisor, the pipelines and the license gate for one
// installation directory.
type Agent struct {
	cfg  *Config
	log  *slog.Logger
	sup  *supervisor.Supervisor
	orch *orchestrator.Orchestrator
	gate *license.Gate
	vers *versions.Store

	hist      *history.Recorder
	store     history.Store
	progress  *progress.Broadcaster
	collector *metrics.ProcessCollector
}

// New builds an Agent. Nothing is started.
func New(cfg *Config, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, dir := range []string{cfg.Paths.Data, cfg.Paths.Logs, cfg.Paths.Apps, cfg.Paths.Staging} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	vers, err := versions.Open(cfg.Paths.Versions)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		log:      log,
		vers:     vers,
		progress: progress.NewBroadcaster(200),
	}

	a.progress.Subscribe(progress.LogObserver{Logger: log})

	a.store = history.NewMemory(0)
	if cfg.History.Enabled {
		store, err := factory.NewStoreFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("history store unavailable, keeping events in memory", "dsn", cfg.History.DSN, "error", err)
		} else {
			a.store = store
		}
	}
	a.hist = history.NewRecorder(log, a.store)

	a.sup = supervisor.New(supervisor.Options{
		Log:          cfg.Log.File,
		PIDDir:       filepath.Join(cfg.Paths.Data, "run"),
		Env:          stack.Env(cfg),
		StartGrace:   cfg.Install.StartGrace,
		ReadyTimeout: cfg.Install.ReadyTimeout,
		StopWait:     cfg.Install.StopWait,
		Reclaimer:    portreclaim.New(log),
		History:      a.hist,
		Logger:       log,
	})
	for _, svc := range stack.Services(cfg) {
		if err := a.sup.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name, err)
		}
	}

	a.gate = license.New(license.Options{
		APIURL:         cfg.License.APIURL,
		Expiry:         cfg.License.Expiry,
		MaxOfflineDays: cfg.License.MaxOfflineDays,
		Secret:         cfg.License.Secret,
		File:           cfg.License.File,
		SupportEmail:   cfg.License.SupportEmail,
		SupportPhone:   cfg.License.SupportPhone,
		Timeout:        cfg.Network.LicenseTimeout,
		Logger:         log,
	})

	fetcher := artifact.New(artifact.Options{
		BaseURL:         cfg.Release.APIURL,
		Token:           cfg.Release.Token,
		Marker:          cfg.Release.AssetMarker,
		MetadataRetries: cfg.Release.MetadataRetries,
		DownloadRetries: cfg.Release.DownloadRetries,
		MetadataTimeout: cfg.Network.MetadataTimeout,
		DownloadTimeout: cfg.Network.DownloadTimeout,
		Logger:          log,
	})

	runner := &depsetup.Runner{
		Log:       cfg.Log.File,
		Timeout:   cfg.Install.Timeout,
		Heartbeat: cfg.Install.Heartbeat,
		Logger:    log,
		OnHeartbeat: func(t depsetup.Task, elapsed time.Duration) {
			a.progress.OnLog(fmt.Sprintf("%s still running (%s)", t.ID(), elapsed.Round(time.Second)), progress.LevelInfo)
		},
	}

	a.orch = orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Fetcher:    fetcher,
		Runner:     runner,
		Supervisor: a.sup,
		License:    a.gate,
		Database:   database.Server{Config: stack.DB(cfg)},
		Versions:   vers,
		Tasks:      stack.NewTasks(cfg, stack.Env(cfg)),
		Observer:   a.progress,
		History:    a.hist,
		Logger:     log,
	})

	a.collector = metrics.NewProcessCollector(15*time.Second, a.sup.PIDs, log)
	return a, nil
}

// Config returns the configuration the agent was built with.
func (a *Agent) Config() *Config { return a.cfg }

// Close releases the history store. Services are left as they are.
func (a *Agent) Close() error { return a.store.Close() }

// Install runs the install pipeline.
func (a *Agent) Install(ctx context.Context) error { return a.orch.Install(ctx) }

// Update installs newer releases and returns the updated components.
func (a *Agent) Update(ctx context.Context) ([]string, error) { return a.orch.Update(ctx) }

// CheckUpdates lists components with a newer release.
func (a *Agent) CheckUpdates(ctx context.Context) (map[string]UpdateInfo, error) {
	return a.orch.CheckUpdates(ctx)
}

// Seed runs a named seed script.
func (a *Agent) Seed(ctx context.Context, name string) error { return a.orch.Seed(ctx, name) }

// InstallAsync starts the install pipeline in the background.
func (a *Agent) InstallAsync(ctx context.Context, done func(error)) error {
	return a.orch.InstallAsync(ctx, done)
}

// UpdateAsync starts the update pipeline in the background.
func (a *Agent) UpdateAsync(ctx context.Context, done func([]string, error)) error {
	return a.orch.UpdateAsync(ctx, done)
}

// SeedAsync starts a seed script in the background.
func (a *Agent) SeedAsync(ctx context.Context, name string, done func(error)) error {
	return a.orch.SeedAsync(ctx, name, done)
}

// Busy reports whether an install, update or seed is running.
func (a *Agent) Busy() bool { return a.orch.Running() }

// StartAll checks the license and starts every service in dependency order.
func (a *Agent) StartAll(ctx context.Context) error { return a.orch.StartServices(ctx) }

// StartService checks the license and starts one service.
func (a *Agent) StartService(ctx context.Context, name string) error {
	return a.orch.StartService(ctx, name)
}

// StopService stops one service.
func (a *Agent) StopService(ctx context.Context, name string) (bool, error) {
	return a.sup.Stop(ctx, name)
}

// StopAll stops every service in reverse start order.
func (a *Agent) StopAll(ctx context.Context) error { return a.sup.StopAll(ctx) }

// Statuses reports every registered service.
func (a *Agent) Statuses() []ServiceInfo { return a.sup.Statuses() }

// Versions returns the installed component versions.
func (a *Agent) Versions() map[string]versions.Entry { return a.vers.All() }

// Ports returns the configured service ports.
func (a *Agent) Ports() map[string]int {
	return map[string]int{
		stack.Database: a.cfg.Ports.Database,
		stack.Backend:  a.cfg.Ports.Backend,
		stack.Frontend: a.cfg.Ports.Frontend,
	}
}

// License evaluates the license.
func (a *Agent) License(ctx context.Context) LicenseResult { return a.gate.Check(ctx) }

// History returns recent lifecycle events, newest first.
func (a *Agent) History(ctx context.Context, limit int) ([]Event, error) {
	return a.store.Recent(ctx, limit)
}

// Progress is the broadcaster pipeline progress is published on.
func (a *Agent) Progress() *progress.Broadcaster { return a.progress }

// ProcessMetrics returns the latest sample of a running service.
func (a *Agent) ProcessMetrics(name string) (metrics.ProcessMetrics, bool) {
	return a.collector.Latest(name)
}

// System samples host CPU, memory and the disk holding the installation.
func (a *Agent) System(ctx context.Context) (metrics.SystemMetrics, error) {
	return metrics.SampleSystem(ctx, a.cfg.BaseDir)
}

// Handler returns the HTTP API handler.
func (a *Agent) Handler(ctx context.Context) http.Handler {
	return server.NewRouter(a, a.cfg.Server.BasePath, a.cfg.Log.File.Dir, a.log).WithContext(ctx).Handler()
}

// Serve runs the HTTP API, the metrics collector and the update checker
// until ctx is cancelled, then stops every service. Services left running by
// a previous agent are stopped first.
func (a *Agent) Serve(ctx context.Context) error {
	if reaped := a.sup.ReapOrphans(ctx); len(reaped) > 0 {
		a.log.Warn("stopped services left by a previous agent", "pids", reaped)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := a.collector.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register process metrics: %w", err)
	}
	a.collector.Start(ctx)
	defer a.collector.Stop()

	if a.cfg.Update.Enabled {
		checker, err := a.orch.NewChecker(a.cfg.Update.Schedule)
		if err != nil {
			return err
		}
		if err := checker.Start(); err != nil {
			return err
		}
		defer checker.Stop()
	}

	router := server.NewRouter(a, a.cfg.Server.BasePath, a.cfg.Log.File.Dir, a.log).WithContext(ctx)
	srv := server.NewServer(a.cfg.Server.Listen, router, a.cfg.StartBudget())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("agent listening", "addr", a.cfg.Server.Listen, "base", a.cfg.Server.BasePath)

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", "error", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.Install.StopWait+10*time.Second)
	defer cancel()
	if err := a.sup.StopAll(stopCtx); err != nil {
		a.log.Warn("stop services", "error", err)
	}
	return serveErr
}
