package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/loykin/deployr/internal/archive"
	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/progress"
	"github.com/loykin/deployr/internal/stack"
	"github.com/loykin/deployr/internal/versions"
)

// UpdateInfo describes a component with a newer release.
type UpdateInfo struct {
	Component string         `json:"component"`
	Current   string         `json:"current"`
	Latest    string         `json:"latest"`
	Asset     artifact.Asset `json:"asset"`
}

// UpdateCheck is the outcome of the most recent CheckUpdates.
type UpdateCheck struct {
	CheckedAt time.Time             `json:"checked_at"`
	Updates   map[string]UpdateInfo `json:"updates"`
	Error     string                `json:"error,omitempty"`
}

// CheckUpdates returns the components whose latest tag differs from the
// installed one. A component that was never installed counts as an update.
func (o *Orchestrator) CheckUpdates(ctx context.Context) (map[string]UpdateInfo, error) {
	out := map[string]UpdateInfo{}
	var errs []error
	for _, comp := range stack.Components(o.opts.Config) {
		asset, err := o.opts.Fetcher.FetchLatest(ctx, comp.Repo)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name, err))
			continue
		}
		cur := o.opts.Versions.Version(comp.Name)
		if versions.IsNewer(cur, asset.Tag) {
			out[comp.Name] = UpdateInfo{Component: comp.Name, Current: cur, Latest: asset.Tag, Asset: asset}
		}
	}
	err := errors.Join(errs...)

	check := &UpdateCheck{CheckedAt: o.opts.Now(), Updates: out}
	if err != nil {
		check.Error = err.Error()
	}
	o.mu.Lock()
	o.lastCheck = check
	o.mu.Unlock()
	return out, err
}

// LastCheck returns the result of the most recent update check, or nil.
func (o *Orchestrator) LastCheck() *UpdateCheck {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastCheck == nil {
		return nil
	}
	c := *o.lastCheck
	return &c
}

type staged struct {
	comp  stack.Component
	info  UpdateInfo
	file  string
	swap  *archive.Swap
	files int
}

// Update installs newer releases. Archives are downloaded to the staging
// area before anything is stopped. Component trees are swapped with a
// snapshot, and any failure after the swap restores the snapshots and
// restarts the services that were running before. It returns the
// components that were updated.
func (o *Orchestrator) Update(ctx context.Context) ([]string, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()
	return o.update(ctx)
}

// UpdateAsync starts Update in the background and calls done with its
// result. It fails with ErrInProgress when a pipeline is already running.
func (o *Orchestrator) UpdateAsync(ctx context.Context, done func([]string, error)) error {
	return o.launch(ctx, func(ctx context.Context) error {
		updated, err := o.update(ctx)
		if done != nil {
			done(updated, err)
		}
		return err
	}, nil)
}

func (o *Orchestrator) update(ctx context.Context) (updated []string, err error) {
	r := o.newRun(ctx, "update")
	defer func() { r.finish(ctx, err) }()

	var stages []*staged
	err = r.do(ctx, StepDownload, func(ctx context.Context) error {
		var derr error
		stages, derr = o.stageUpdates(ctx, r)
		return derr
	})
	defer func() {
		for _, s := range stages {
			_ = os.Remove(s.file)
		}
	}()
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		o.say(progress.LevelSuccess, "All components are up to date")
		return nil, nil
	}

	wasRunning := o.runningServices()
	o.say(progress.LevelInfo, "Stopping services for update", "running", wasRunning)
	if err = o.opts.Supervisor.StopAll(ctx); err != nil {
		return nil, fmt.Errorf("stop services: %w", err)
	}

	force := map[string]bool{}
	for _, s := range stages {
		swap, res, serr := archive.BeginSwap(ctx, s.file, s.comp.Dir, stack.Preserved, o.log)
		if serr != nil {
			err = fmt.Errorf("replace %s: %w", s.comp.Name, serr)
			break
		}
		s.swap = swap
		o.logExtract(s.comp, res)
		force[s.comp.Name] = true
	}
	if err == nil {
		err = o.finishInstall(ctx, r, force)
	}
	if err != nil {
		o.recover(stages, wasRunning)
		return nil, err
	}

	for _, s := range stages {
		if cerr := s.swap.Commit(); cerr != nil {
			o.log.Warn("could not remove snapshot", "component", s.comp.Name, "error", cerr)
		}
		if verr := o.opts.Versions.Set(s.comp.Name, s.info.Latest, o.opts.Now()); verr != nil {
			return updated, fmt.Errorf("record version: %w", verr)
		}
		updated = append(updated, s.comp.Name)
		o.say(progress.LevelSuccess, fmt.Sprintf("%s updated %s -> %s", s.comp.Name, orNone(s.info.Current), s.info.Latest))
	}
	return updated, nil
}

// stageUpdates downloads every available update into the staging area.
func (o *Orchestrator) stageUpdates(ctx context.Context, r *run) ([]*staged, error) {
	updates, err := o.CheckUpdates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*staged
	comps := stack.Components(o.opts.Config)
	for i, comp := range comps {
		info, ok := updates[comp.Name]
		if !ok {
			continue
		}
		base := float64(i) / float64(len(comps))
		span := 1 / float64(len(comps))
		file, err := o.download(ctx, comp, info.Asset, func(f float64) {
			r.within(base+f*span, fmt.Sprintf("Downloading %s %s", comp.Name, info.Latest))
		})
		if err != nil {
			for _, s := range out {
				_ = os.Remove(s.file)
			}
			return nil, fmt.Errorf("%s: %w", comp.Name, err)
		}
		out = append(out, &staged{comp: comp, info: info, file: file})
	}
	return out, nil
}

// recover undoes a failed update. Services that were running are restarted
// only when the license still allows it. It runs on a fresh context since
// the pipeline's may already be cancelled.
func (o *Orchestrator) recover(stages []*staged, wasRunning []string) {
	ctx := context.Background()
	o.say(progress.LevelWarning, "Update failed, restoring previous version")
	if err := o.opts.Supervisor.StopAll(ctx); err != nil {
		o.log.Warn("stop after failed update", "error", err)
	}
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		if s.swap == nil {
			continue
		}
		if err := s.swap.Rollback(); err != nil {
			o.say(progress.LevelError, fmt.Sprintf("could not restore %s", s.comp.Name), "error", err)
		}
	}
	if len(wasRunning) == 0 {
		return
	}
	if err := o.authorize(ctx); err != nil {
		o.say(progress.LevelError, "Services stay stopped", "error", err)
		return
	}
	for _, name := range stack.StartOrder {
		if !slices.Contains(wasRunning, name) {
			continue
		}
		if err := o.opts.Supervisor.Start(ctx, name); err != nil {
			o.say(progress.LevelError, fmt.Sprintf("could not restart %s", name), "error", err)
		}
	}
}

func (o *Orchestrator) runningServices() []string {
	var out []string
	for _, info := range o.opts.Supervisor.Statuses() {
		if info.Running() {
			out = append(out, info.Name)
		}
	}
	return out
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
