package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/pkg/client"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c command) loadConfig() (*deployr.Config, error) {
	cfg, err := deployr.LoadConfig(c.global.ConfigPath, c.global.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// apiURL is --api-url, or the agent address from the config with a
// wildcard listen host replaced by loopback.
func (c command) apiURL() string {
	if c.global.APIUrl != "" {
		return c.global.APIUrl
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return client.DefaultConfig().BaseURL
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return client.DefaultConfig().BaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Server.BasePath
}

func (c command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.apiURL(), Timeout: c.global.APITimeout})
}

// reachable returns a client for a running agent.
func (c command) reachable(ctx context.Context) (*client.Client, error) {
	api := c.client()
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("agent not reachable at %s - please start it first with 'deployr serve'", c.apiURL())
	}
	return api, nil
}

// localAgent builds an agent in-process for commands that can run without
// the daemon.
func (c command) localAgent() (*deployr.Agent, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return deployr.New(cfg, logger.New(cfg.Log, os.Stderr))
}

// Serve runs the agent in the foreground until interrupted.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	defer func() { _ = removePidFile(f.PidFile) }()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log, os.Stderr)
	agent, err := deployr.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = agent.Close() }()

	if f.Install {
		go func() {
			if err := agent.Install(ctx); err != nil {
				log.Error("install failed", "error", err)
			}
		}()
	}
	return agent.Serve(ctx)
}

// Install launches the install pipeline on the agent and follows it.
func (c command) Install(ctx context.Context, f PipelineFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	since := time.Now()
	if err := api.StartInstall(ctx); err != nil {
		return err
	}
	if f.Detach {
		c.printf("install started\n")
		return nil
	}
	return c.follow(ctx, api, since, f.Interval)
}

// Update launches the update pipeline on the agent and follows it.
func (c command) Update(ctx context.Context, f PipelineFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	updates, err := api.Updates(ctx)
	if err != nil {
		return err
	}
	if !updates.HasUpdates {
		c.printf("everything is up to date\n")
		return nil
	}
	since := time.Now()
	if err := api.StartUpdate(ctx); err != nil {
		return err
	}
	if f.Detach {
		c.printf("update started\n")
		return nil
	}
	return c.follow(ctx, api, since, f.Interval)
}

// follow prints pipeline progress and log lines until the agent reports the
// run started at or after since has finished.
func (c command) follow(ctx context.Context, api *client.Client, since time.Time, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastLog time.Time
	lastPct := -1
	seen := false
	for {
		p, err := api.Progress(ctx, 200)
		if err != nil {
			return err
		}
		for _, l := range p.Logs {
			if !l.At.After(lastLog) || l.At.Before(since) {
				continue
			}
			lastLog = l.At
			c.printf("  [%s] %s\n", l.Level, l.Message)
		}
		current := !p.Progress.At.Before(since)
		if current && p.Progress.Percentage != lastPct {
			lastPct = p.Progress.Percentage
			c.printf("%3d%% %s %s\n", p.Progress.Percentage, p.Progress.Step, p.Progress.Status)
		}
		seen = seen || p.Running || current
		if seen && !p.Running {
			if p.Progress.Status == "failed" {
				return fmt.Errorf("%s failed: %s", p.Progress.Step, p.Progress.Description)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check lists available updates.
func (c command) Check(ctx context.Context) error {
	if api := c.client(); api.IsReachable(ctx) {
		u, err := api.Updates(ctx)
		if err != nil {
			return err
		}
		c.printUpdates(u.Updates)
		return nil
	}

	agent, err := c.localAgent()
	if err != nil {
		return err
	}
	defer func() { _ = agent.Close() }()
	found, err := agent.CheckUpdates(ctx)
	if err != nil && len(found) == 0 {
		return err
	}
	updates := make(map[string]client.Update, len(found))
	for name, u := range found {
		updates[name] = client.Update{Component: u.Component, Current: u.Current, Latest: u.Latest}
	}
	c.printUpdates(updates)
	return err
}

func (c command) printUpdates(updates map[string]client.Update) {
	if len(updates) == 0 {
		c.printf("everything is up to date\n")
		return
	}
	tw := newTable(c.out, "COMPONENT", "CURRENT", "LATEST")
	for _, name := range sortedKeys(updates) {
		u := updates[name]
		tw.row(name, orDash(u.Current), u.Latest)
	}
	tw.flush()
}

// Start starts one service. The request waits for readiness, so the
// timeout is at least the agent's start budget.
func (c command) Start(ctx context.Context, service string) error {
	if _, err := c.reachable(ctx); err != nil {
		return err
	}
	api := client.New(client.Config{BaseURL: c.apiURL(), Timeout: c.startTimeout()})
	msg, err := api.Start(ctx, service)
	if err != nil {
		return err
	}
	c.printf("%s\n", msg)
	return nil
}

func (c command) startTimeout() time.Duration {
	cfg, err := c.loadConfig()
	if err != nil {
		return c.global.APITimeout
	}
	return max(c.global.APITimeout, cfg.StartBudget())
}

func (c command) Stop(ctx context.Context, service string) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	msg, err := api.Stop(ctx, service)
	if err != nil {
		return err
	}
	c.printf("%s\n", msg)
	return nil
}

// Status prints services, versions and host usage.
func (c command) Status(ctx context.Context, asJSON bool) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		printJSON(c.out, st)
		return nil
	}

	tw := newTable(c.out, "SERVICE", "STATE", "PID", "PORT", "CPU%", "MEM(MB)", "VERSION")
	for _, s := range st.Services {
		cpu, mem := "-", "-"
		if s.Metrics != nil {
			cpu = fmt.Sprintf("%.1f", s.Metrics.CPUPercent)
			mem = fmt.Sprintf("%.1f", s.Metrics.MemoryMB)
		}
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		tw.row(s.Name, s.State, pid, fmt.Sprint(st.Ports[s.Name]), cpu, mem, orDash(st.Versions[s.Name].Version))
	}
	tw.flush()
	if st.System != nil {
		c.printf("\nhost: cpu %.1f%%  memory %.1f%% (%.0f/%.0f MB)  disk %.1f%% (%.1f GB free)\n",
			st.System.CPUPercent, st.System.MemoryPercent, st.System.MemoryUsedMB, st.System.MemoryTotalMB,
			st.System.DiskPercent, st.System.DiskFreeGB)
	}
	if st.Installing {
		c.printf("an install or update is running\n")
	}
	return nil
}

func (c command) Logs(ctx context.Context, service string, f LogsFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	lines, err := api.Logs(ctx, service, f.Lines)
	if err != nil {
		return err
	}
	for _, l := range lines {
		c.printf("%s\n", l)
	}
	return nil
}

// Seed launches a seed script on the agent and follows it.
func (c command) Seed(ctx context.Context, name string, f PipelineFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	since := time.Now()
	if err := api.StartSeed(ctx, name); err != nil {
		return err
	}
	if f.Detach {
		c.printf("seed %s started\n", name)
		return nil
	}
	if err := c.follow(ctx, api, since, f.Interval); err != nil {
		return err
	}
	c.printf("seed %s completed\n", name)
	return nil
}

// License prints the license state and fails when it is not valid.
func (c command) License(ctx context.Context) error {
	var lic client.License
	if api := c.client(); api.IsReachable(ctx) {
		var err error
		if lic, err = api.License(ctx); err != nil {
			return err
		}
	} else {
		agent, err := c.localAgent()
		if err != nil {
			return err
		}
		defer func() { _ = agent.Close() }()
		r := agent.License(ctx)
		lic = client.License{
			Valid: r.Valid, Reason: string(r.Reason), Message: r.Message, Expiry: r.Expiry,
			DaysRemaining: r.DaysRemaining, OfflineDays: r.OfflineDays, Online: r.Online,
			SupportEmail: r.SupportEmail, SupportPhone: r.SupportPhone,
		}
	}

	mode := "offline"
	if lic.Online {
		mode = "online"
	}
	if lic.Valid {
		c.printf("license valid until %s (%d days remaining, verified %s)\n", lic.Expiry, lic.DaysRemaining, mode)
		return nil
	}
	c.printf("%s: %s\n", lic.Reason, lic.Message)
	if lic.SupportEmail != "" || lic.SupportPhone != "" {
		c.printf("contact support: %s\n", strings.TrimSpace(lic.SupportEmail+" "+lic.SupportPhone))
	}
	return errors.New("license is not valid")
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	api, err := c.reachable(ctx)
	if err != nil {
		return err
	}
	events, err := api.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	tw := newTable(c.out, "TIME", "TYPE", "NAME", "STATUS", "PID", "DETAIL")
	for _, e := range events {
		pid := "-"
		if e.PID > 0 {
			pid = fmt.Sprint(e.PID)
		}
		tw.row(e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Name, orDash(e.Status), pid, e.Detail)
	}
	tw.flush()
	return nil
}
