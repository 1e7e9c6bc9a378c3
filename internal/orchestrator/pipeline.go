package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/progress"
)

// Step ids.
const (
	StepDownload = "download"
	StepInstall  = "install"
	StepDatabase = "database"
	StepLicense  = "license"
	StepStart    = "start"
)

// Step is a fixed checkpoint range of the pipeline.
type Step struct {
	ID    string
	From  int
	To    int
	Title string
}

// Steps lists the pipeline checkpoints in order.
var Steps = []Step{
	{ID: StepDownload, From: 0, To: 40, Title: "Downloading releases"},
	{ID: StepInstall, From: 40, To: 60, Title: "Installing dependencies"},
	{ID: StepDatabase, From: 60, To: 80, Title: "Preparing database"},
	{ID: StepLicense, From: 80, To: 85, Title: "Checking license"},
	{ID: StepStart, From: 85, To: 100, Title: "Starting services"},
}

func stepByID(id string) Step {
	for _, s := range Steps {
		if s.ID == id {
			return s
		}
	}
	panic("unknown step " + id)
}

// run tracks one pipeline execution. Reported percentages never decrease.
type run struct {
	o     *Orchestrator
	kind  string
	id    string
	start time.Time
	pct   int
	step  Step
}

func (o *Orchestrator) newRun(ctx context.Context, kind string) *run {
	r := &run{o: o, kind: kind, id: history.NewRunID(), start: o.opts.Now()}
	o.opts.History.Record(ctx, history.Event{Type: history.EventPipeline, Name: kind, Status: "started", RunID: r.id})
	o.log.Info("pipeline started", "kind", kind, "run", r.id)
	return r
}

func (r *run) report(status progress.Status, pct int, desc string) {
	if pct < r.pct {
		pct = r.pct
	}
	if pct > 100 {
		pct = 100
	}
	r.pct = pct
	r.o.obs.OnProgress(progress.Progress{
		Percentage:  pct,
		Step:        r.step.ID,
		Status:      status,
		Title:       r.step.Title,
		Description: desc,
		At:          r.o.opts.Now(),
	})
}

// within reports progress at fraction f (0..1) of the current step's range.
func (r *run) within(f float64, desc string) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	pct := r.step.From + int(f*float64(r.step.To-r.step.From))
	r.report(progress.Active, pct, desc)
}

// do executes fn as step id. A failure marks the step failed and halts.
func (r *run) do(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return r.doStep(ctx, stepByID(id), fn)
}

func (r *run) doStep(ctx context.Context, step Step, fn func(ctx context.Context) error) error {
	id := step.ID
	r.step = step
	r.report(progress.Active, r.step.From, "")
	if err := fn(ctx); err != nil {
		r.report(progress.Failed, r.pct, err.Error())
		metrics.IncPipelineStep(id, string(progress.Failed))
		r.o.say(progress.LevelError, fmt.Sprintf("%s failed: %v", r.step.Title, err))
		return fmt.Errorf("%s: %w", id, err)
	}
	r.report(progress.Completed, r.step.To, "")
	metrics.IncPipelineStep(id, string(progress.Completed))
	return nil
}

// finish records the outcome of the run.
func (r *run) finish(ctx context.Context, err error) {
	result, detail := "ok", ""
	if err != nil {
		result, detail = "failed", err.Error()
	}
	elapsed := r.o.opts.Now().Sub(r.start)
	metrics.ObservePipeline(r.kind, result, elapsed.Seconds())
	r.o.opts.History.Record(ctx, history.Event{Type: history.EventPipeline, Name: r.kind, Status: result, RunID: r.id, Detail: detail})
	if err != nil {
		r.o.log.Error("pipeline failed", "kind", r.kind, "run", r.id, "error", err)
		return
	}
	r.o.say(progress.LevelSuccess, fmt.Sprintf("%s finished in %s", r.kind, elapsed.Round(time.Second)))
}
