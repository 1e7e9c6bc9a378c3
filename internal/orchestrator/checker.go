package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/loykin/deployr/internal/progress"
)

// DefaultCheckSchedule is the update check interval.
const DefaultCheckSchedule = "@every 6h"

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Checker periodically looks for newer releases. A tick that fires while
// a pipeline or an earlier check is running is skipped.
type Checker struct {
	o        *Orchestrator
	schedule string
	sched    *cron.Cron
	busy     atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChecker validates schedule and returns an unstarted checker.
func (o *Orchestrator) NewChecker(schedule string) (*Checker, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultCheckSchedule
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid update schedule %q: %w", schedule, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		o:        o,
		schedule: schedule,
		sched:    cron.New(cron.WithParser(scheduleParser)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start schedules the check.
func (c *Checker) Start() error {
	if _, err := c.sched.AddFunc(c.schedule, c.Tick); err != nil {
		return err
	}
	c.sched.Start()
	c.o.log.Info("update checker started", "schedule", c.schedule)
	return nil
}

// Stop cancels a running check and waits for it to return.
func (c *Checker) Stop() {
	c.cancel()
	<-c.sched.Stop().Done()
}

// Tick runs one check now.
func (c *Checker) Tick() {
	c.tick()
}

func (c *Checker) tick() bool {
	if c.o.Running() {
		c.o.log.Debug("update check skipped, pipeline in progress")
		return false
	}
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}
	defer c.busy.Store(false)

	updates, err := c.o.CheckUpdates(c.ctx)
	if err != nil {
		c.o.log.Warn("update check failed", "error", err)
		return true
	}
	if len(updates) == 0 {
		c.o.log.Debug("no updates available")
		return true
	}
	names := make([]string, 0, len(updates))
	for n, u := range updates {
		names = append(names, fmt.Sprintf("%s %s", n, u.Latest))
	}
	sort.Strings(names)
	c.o.say(progress.LevelInfo, "Updates available: "+strings.Join(names, ", "))
	return true
}
