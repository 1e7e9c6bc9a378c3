package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for a single process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMetrics summarizes the host.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
}

// SampleProcess reads current figures for pid.
func SampleProcess(ctx context.Context, pid int32) (ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessMetrics{}, err
	}
	out := ProcessMetrics{PID: pid, Timestamp: time.Now()}
	if v, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = v
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		out.MemoryMB = float64(mi.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.NumThreads = n
	}
	return out, nil
}

// SampleSystem reads host CPU, memory and the disk usage of path.
func SampleSystem(ctx context.Context, path string) (SystemMetrics, error) {
	var out SystemMetrics
	var errs []error
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	} else if err != nil {
		errs = append(errs, err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryPercent = vm.UsedPercent
		out.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
		out.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
	} else {
		errs = append(errs, err)
	}
	if path != "" {
		if du, err := disk.UsageWithContext(ctx, path); err == nil {
			out.DiskPercent = du.UsedPercent
			out.DiskFreeGB = float64(du.Free) / 1024 / 1024 / 1024
		} else {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// ProcessCollector periodically samples supervised services into gauges.
type ProcessCollector struct {
	interval time.Duration
	source   func() map[string]int32
	log      *slog.Logger

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec

	mu     sync.RWMutex
	latest map[string]ProcessMetrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewProcessCollector builds a collector over source, which returns name->pid
// of live services.
func NewProcessCollector(interval time.Duration, source func() map[string]int32, log *slog.Logger) *ProcessCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ProcessCollector{
		interval: interval,
		source:   source,
		log:      log,
		latest:   make(map[string]ProcessMetrics),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage percentage of supervised services.",
		}, []string{"name"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "memory_mb",
			Help: "Resident memory in MB of supervised services.",
		}, []string{"name"}),
	}
}

// Register registers the collector's gauges.
func (c *ProcessCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start launches the sampling loop until ctx is done or Stop is called.
func (c *ProcessCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			c.Collect(ctx)
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it.
func (c *ProcessCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples once.
func (c *ProcessCollector) Collect(ctx context.Context) {
	procs := c.source()
	next := make(map[string]ProcessMetrics, len(procs))
	for name, pid := range procs {
		m, err := SampleProcess(ctx, pid)
		if err != nil {
			c.log.Debug("sample process", "name", name, "pid", pid, "error", err)
			continue
		}
		next[name] = m
		c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
	}
	c.mu.Lock()
	for name := range c.latest {
		if _, ok := next[name]; !ok {
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryMB.DeleteLabelValues(name)
		}
	}
	c.latest = next
	c.mu.Unlock()
}

// Latest returns the most recent sample of name.
func (c *ProcessCollector) Latest(name string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[name]
	return m, ok
}
