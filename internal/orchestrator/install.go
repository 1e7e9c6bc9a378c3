package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/deployr/internal/archive"
	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/depsetup"
	"github.com/loykin/deployr/internal/progress"
	"github.com/loykin/deployr/internal/stack"
)

// Install brings the installation to its target state and starts all
// services. Work already done by an earlier run is skipped. Versions of
// extracted components are recorded once every step has succeeded.
func (o *Orchestrator) Install(ctx context.Context) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()
	return o.install(ctx)
}

// InstallAsync starts Install in the background and calls done with its
// result. It fails with ErrInProgress when a pipeline is already running.
func (o *Orchestrator) InstallAsync(ctx context.Context, done func(error)) error {
	return o.launch(ctx, o.install, done)
}

func (o *Orchestrator) install(ctx context.Context) (err error) {
	r := o.newRun(ctx, "install")
	defer func() { r.finish(ctx, err) }()

	var fetched map[string]string
	if err = r.do(ctx, StepDownload, func(ctx context.Context) error {
		var derr error
		fetched, derr = o.downloadAll(ctx, r)
		return derr
	}); err != nil {
		return err
	}
	if err = o.finishInstall(ctx, r, nil); err != nil {
		return err
	}
	for _, comp := range stack.Components(o.opts.Config) {
		tag, ok := fetched[comp.Name]
		if !ok {
			continue
		}
		if err = o.opts.Versions.Set(comp.Name, tag, o.opts.Now()); err != nil {
			return fmt.Errorf("record version: %w", err)
		}
	}
	return nil
}

// finishInstall runs the steps following the download. Components named in
// force get their dependencies reinstalled.
func (o *Orchestrator) finishInstall(ctx context.Context, r *run, force map[string]bool) error {
	if err := r.do(ctx, StepInstall, func(ctx context.Context) error { return o.installDeps(ctx, r, force) }); err != nil {
		return err
	}
	if err := r.do(ctx, StepDatabase, func(ctx context.Context) error { return o.prepareDatabase(ctx, r) }); err != nil {
		return err
	}
	if err := r.do(ctx, StepLicense, o.authorize); err != nil {
		return err
	}
	return r.do(ctx, StepStart, func(ctx context.Context) error { return o.startAll(ctx, r) })
}

// downloadAll fetches every component and returns the tags of the ones
// that were extracted.
func (o *Orchestrator) downloadAll(ctx context.Context, r *run) (map[string]string, error) {
	fetched := map[string]string{}
	comps := stack.Components(o.opts.Config)
	for i, comp := range comps {
		base := float64(i) / float64(len(comps))
		span := 1 / float64(len(comps))
		tag, err := o.fetchComponent(ctx, comp, func(f float64, desc string) {
			r.within(base+f*span, desc)
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", comp.Name, err)
		}
		if tag != "" {
			fetched[comp.Name] = tag
		}
	}
	return fetched, nil
}

// fetchComponent downloads and extracts comp unless the installed tree is
// already at the latest tag, and returns the extracted tag. A running
// service is stopped before its tree is replaced; the start step brings
// it back.
func (o *Orchestrator) fetchComponent(ctx context.Context, comp stack.Component, report func(float64, string)) (string, error) {
	asset, err := o.opts.Fetcher.FetchLatest(ctx, comp.Repo)
	if err != nil {
		return "", err
	}
	if o.opts.Versions.Version(comp.Name) == asset.Tag && dirExists(comp.Dir) {
		o.say(progress.LevelInfo, fmt.Sprintf("%s %s already installed", comp.Name, asset.Tag))
		report(1, comp.Name+" up to date")
		return "", nil
	}

	file, err := o.download(ctx, comp, asset, func(f float64) {
		report(f*0.8, fmt.Sprintf("Downloading %s %s", comp.Name, asset.Tag))
	})
	if err != nil {
		return "", err
	}
	defer os.Remove(file)

	already, err := o.opts.Supervisor.Stop(ctx, comp.Name)
	if err != nil {
		return "", fmt.Errorf("stop %s: %w", comp.Name, err)
	}
	if !already {
		o.say(progress.LevelInfo, fmt.Sprintf("%s stopped for replacement", comp.Name))
	}

	report(0.85, fmt.Sprintf("Extracting %s", comp.Name))
	res, err := archive.Replace(ctx, file, comp.Dir, stack.Preserved, o.log)
	if err != nil {
		return "", err
	}
	o.logExtract(comp, res)

	if written, err := stack.WriteEnvFiles(o.opts.Config); err != nil {
		o.say(progress.LevelWarning, "could not write env files", "error", err)
	} else {
		for _, p := range written {
			o.log.Info("env file written", "path", p)
		}
	}
	report(1, fmt.Sprintf("%s %s installed", comp.Name, asset.Tag))
	return asset.Tag, nil
}

// download fetches asset into the staging area and returns the local path.
func (o *Orchestrator) download(ctx context.Context, comp stack.Component, asset artifact.Asset, report func(float64)) (string, error) {
	dir := filepath.Join(o.opts.Config.Paths.Staging, comp.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(asset.Name))
	o.say(progress.LevelInfo, fmt.Sprintf("Downloading %s %s", comp.Name, asset.Tag), "asset", asset.Name)
	err := o.opts.Fetcher.Download(ctx, asset, dest, func(written, total int64) {
		if total > 0 {
			report(float64(written) / float64(total))
		}
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (o *Orchestrator) logExtract(comp stack.Component, res archive.ReplaceResult) {
	o.log.Info("component extracted", "component", comp.Name, "files", res.Files, "preserved", res.Preserved)
	for _, name := range res.Lost {
		o.say(progress.LevelWarning, fmt.Sprintf("%s/%s was lost and will be reinstalled", comp.Name, name))
	}
}

// installDeps installs dependencies of components whose dependency directory
// is empty or that are forced, then pre-generates the database client.
func (o *Orchestrator) installDeps(ctx context.Context, r *run, force map[string]bool) error {
	comps := stack.Components(o.opts.Config)
	for i, comp := range comps {
		r.within(float64(i)/float64(len(comps)+1), "Installing "+comp.Name+" dependencies")
		if !force[comp.Name] && stack.DepsInstalled(comp) {
			o.say(progress.LevelInfo, comp.Name+" dependencies already installed")
			continue
		}
		if err := o.opts.Runner.Run(ctx, o.opts.Tasks.Install(comp)); err != nil {
			return fmt.Errorf("%s dependencies: %w", comp.Name, err)
		}
	}

	r.within(float64(len(comps))/float64(len(comps)+1), "Generating database client")
	if !force[stack.Backend] && stack.ClientGenerated(o.opts.Config) {
		return nil
	}
	if err := o.opts.Runner.Run(ctx, o.opts.Tasks.Generate()); err != nil {
		if ctx.Err() != nil {
			return err
		}
		o.say(progress.LevelWarning, "database client generation failed, it will be generated on first start", "error", err)
	}
	return nil
}

func (o *Orchestrator) prepareDatabase(ctx context.Context, r *run) error {
	cfg := o.opts.Config
	if !o.opts.Database.Initialized(cfg.MariaDBData()) {
		r.within(0.1, "Initializing database")
		if err := o.opts.Runner.Run(ctx, o.opts.Tasks.InitDB()); err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
	}

	r.within(0.3, "Starting database")
	if err := o.opts.Supervisor.Start(ctx, stack.Database); err != nil {
		return err
	}
	if err := o.opts.Database.CreateDatabase(ctx); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	r.within(0.5, "Applying migrations")
	if err := o.opts.Runner.Run(ctx, o.opts.Tasks.Migrate()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	r.within(0.8, "Checking seed data")
	return o.seedIfEmpty(ctx)
}

// seedIfEmpty seeds only when the canonical table has no rows. Seed
// failures are reported and ignored.
func (o *Orchestrator) seedIfEmpty(ctx context.Context) error {
	table := o.opts.Config.Database.CanonicalTable
	empty, err := o.opts.Database.TableEmpty(ctx, table)
	if err != nil {
		o.say(progress.LevelWarning, "could not inspect seed state, skipping seed", "table", table, "error", err)
		return nil
	}
	if !empty {
		o.say(progress.LevelInfo, "Data already seeded")
		return nil
	}
	task, err := o.opts.Tasks.Seed("all")
	if err != nil {
		return err
	}
	if err := o.opts.Runner.Run(ctx, task); err != nil {
		if ctx.Err() != nil {
			return err
		}
		o.say(progress.LevelWarning, "seeding failed, the database is empty", "error", err)
	}
	return nil
}

func (o *Orchestrator) authorize(ctx context.Context) error {
	res := o.opts.License.Check(ctx)
	if err := res.Err(); err != nil {
		return err
	}
	if res.DaysRemaining >= 0 && res.DaysRemaining <= 7 {
		o.say(progress.LevelWarning, fmt.Sprintf("License expires in %d days", res.DaysRemaining))
	}
	return nil
}

func (o *Orchestrator) startAll(ctx context.Context, r *run) error {
	for i, name := range stack.StartOrder {
		r.within(float64(i)/float64(len(stack.StartOrder)), "Starting "+name)
		if err := o.opts.Supervisor.Start(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		o.say(progress.LevelSuccess, name+" started")
	}
	return nil
}

// StartServices checks the license and starts every service in dependency order.
func (o *Orchestrator) StartServices(ctx context.Context) error {
	if err := o.authorize(ctx); err != nil {
		return err
	}
	for _, name := range stack.StartOrder {
		if err := o.opts.Supervisor.Start(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// StartService checks the license and starts one service.
func (o *Orchestrator) StartService(ctx context.Context, name string) error {
	if err := o.authorize(ctx); err != nil {
		return err
	}
	return o.opts.Supervisor.Start(ctx, name)
}

// Seed runs a named seed script against the running database. Unknown
// names fail before anything runs.
func (o *Orchestrator) Seed(ctx context.Context, name string) error {
	task, err := o.opts.Tasks.Seed(name)
	if err != nil {
		return err
	}
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()
	return o.seed(ctx, name, task)
}

// SeedAsync validates name, then runs the seed script in the background
// and calls done with its result.
func (o *Orchestrator) SeedAsync(ctx context.Context, name string, done func(error)) error {
	task, err := o.opts.Tasks.Seed(name)
	if err != nil {
		return err
	}
	return o.launch(ctx, func(ctx context.Context) error { return o.seed(ctx, name, task) }, done)
}

func (o *Orchestrator) seed(ctx context.Context, name string, task depsetup.Task) (err error) {
	r := o.newRun(ctx, "seed")
	defer func() { r.finish(ctx, err) }()

	step := Step{ID: "seed", From: 0, To: 100, Title: "Seeding " + name}
	return r.doStep(ctx, step, func(ctx context.Context) error {
		r.within(0.1, "Starting database")
		if err := o.opts.Supervisor.Start(ctx, stack.Database); err != nil {
			return err
		}
		r.within(0.2, "Running seed "+name)
		return o.opts.Runner.Run(ctx, task)
	})
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
