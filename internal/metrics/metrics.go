package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deployr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"name", "forced"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of crashes detected at startup or on a status poll.",
		}, []string{"name", "phase"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	portReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "port_reclaims_total",
			Help:      "Foreign processes terminated to free a service port.",
		}, []string{"port"},
	)

	fetchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "retries_total",
			Help:      "Retries of transient artifact failures.",
		}, []string{"op"},
	)
	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes received while downloading artifacts.",
		},
	)

	pipelineSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Pipeline step outcomes.",
		}, []string{"step", "status"},
	)
	pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Wall time of complete pipeline runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"kind", "result"},
	)

	licenseChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "license",
			Name:      "checks_total",
			Help:      "License checks by outcome reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processCrashes, currentStates, portReclaims,
		fetchRetries, downloadedBytes, pipelineSteps, pipelineDuration, licenseChecks,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		processStops.WithLabelValues(name, f).Inc()
	}
}

// IncCrash records a crash; phase is "startup" or "running".
func IncCrash(name, phase string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name, phase).Inc()
	}
}

// SetState marks state as the only active state of name.
func SetState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func AddPortReclaims(port string, n int) {
	if regOK.Load() && n > 0 {
		portReclaims.WithLabelValues(port).Add(float64(n))
	}
}

func IncFetchRetry(op string) {
	if regOK.Load() {
		fetchRetries.WithLabelValues(op).Inc()
	}
}

func AddDownloadedBytes(n int64) {
	if regOK.Load() && n > 0 {
		downloadedBytes.Add(float64(n))
	}
}

func IncPipelineStep(step, status string) {
	if regOK.Load() {
		pipelineSteps.WithLabelValues(step, status).Inc()
	}
}

func ObservePipeline(kind, result string, seconds float64) {
	if regOK.Load() {
		pipelineDuration.WithLabelValues(kind, result).Observe(seconds)
	}
}

func IncLicenseCheck(reason string) {
	if regOK.Load() {
		licenseChecks.WithLabelValues(reason).Inc()
	}
}
