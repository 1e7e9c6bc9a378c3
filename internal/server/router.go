package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/license"
	"github.com/loykin/deployr/internal/logger"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/orchestrator"
	"github.com/loykin/deployr/internal/progress"
	"github.com/loykin/deployr/internal/stack"
	"github.com/loykin/deployr/internal/supervisor"
	"github.com/loykin/deployr/internal/versions"
)

// Agent is what the HTTP API drives.
type Agent interface {
	Statuses() []supervisor.Info
	StartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) (alreadyStopped bool, err error)
	Versions() map[string]versions.Entry
	Ports() map[string]int
	CheckUpdates(ctx context.Context) (map[string]orchestrator.UpdateInfo, error)
	InstallAsync(ctx context.Context, done func(error)) error
	UpdateAsync(ctx context.Context, done func([]string, error)) error
	SeedAsync(ctx context.Context, name string, done func(error)) error
	Busy() bool
	License(ctx context.Context) license.Result
	History(ctx context.Context, limit int) ([]history.Event, error)
	Progress() *progress.Broadcaster
	ProcessMetrics(name string) (metrics.ProcessMetrics, bool)
	System(ctx context.Context) (metrics.SystemMetrics, error)
}

// Router serves the agent API under basePath and metrics at /metrics.
//
//	GET  {base}/status            services, versions, ports, host figures
//	POST {base}/start/:service
//	POST {base}/stop/:service
//	GET  {base}/updates           available updates
//	POST {base}/update/start      runs an update in the background
//	POST {base}/install/start     runs an install in the background
//	POST {base}/seed/:name        runs a seed script in the background
//	GET  {base}/progress          last progress report and recent log lines
//	GET  {base}/logs/:service     ?lines=100
//	GET  {base}/license
//	GET  {base}/history           ?limit=50
type Router struct {
	agent    Agent
	basePath string
	logDir   string
	log      *slog.Logger

	// bg is the parent of background pipelines.
	bg context.Context
}

// NewRouter constructs a Router. logDir holds the per-service log files.
func NewRouter(agent Agent, basePath, logDir string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{agent: agent, basePath: sanitizeBase(basePath), logDir: logDir, log: log, bg: context.Background()}
}

// WithContext sets the context background pipelines inherit.
func (r *Router) WithContext(ctx context.Context) *Router {
	r.bg = ctx
	return r
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start/:service", r.handleStart)
	group.POST("/stop/:service", r.handleStop)
	group.GET("/updates", r.handleUpdates)
	group.POST("/update/start", r.handleUpdateStart)
	group.POST("/install/start", r.handleInstallStart)
	group.POST("/seed/:name", r.handleSeed)
	group.GET("/progress", r.handleProgress)
	group.GET("/logs/:service", r.handleLogs)
	group.GET("/license", r.handleLicense)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer returns an http.Server for the router. writeTimeout must cover
// the slowest synchronous handler, a service start; zero means 30s. The
// caller runs and shuts it down.
func NewServer(addr string, r *Router, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ServiceStatus is one service entry of the status response.
type ServiceStatus struct {
	supervisor.Info
	Metrics *metrics.ProcessMetrics `json:"metrics,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Services   []ServiceStatus           `json:"services"`
	Versions   map[string]versions.Entry `json:"versions"`
	Ports      map[string]int            `json:"ports"`
	System     *metrics.SystemMetrics    `json:"system,omitempty"`
	Installing bool                      `json:"installing"`
}

func (r *Router) handleStatus(c *gin.Context) {
	infos := r.agent.Statuses()
	out := StatusResponse{
		Services:   make([]ServiceStatus, 0, len(infos)),
		Versions:   r.agent.Versions(),
		Ports:      r.agent.Ports(),
		Installing: r.agent.Busy(),
	}
	for _, info := range infos {
		s := ServiceStatus{Info: info}
		if info.Running() {
			if m, ok := r.agent.ProcessMetrics(info.Name); ok {
				s.Metrics = &m
			}
		}
		out.Services = append(out.Services, s)
	}
	if sys, err := r.agent.System(c.Request.Context()); err == nil {
		out.System = &sys
	} else {
		r.log.Debug("system metrics unavailable", "error", err)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) service(c *gin.Context) (string, bool) {
	name := c.Param("service")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return "", false
	}
	return name, true
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.service(c)
	if !ok {
		return
	}
	if err := r.agent.StartService(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: name + " started"})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.service(c)
	if !ok {
		return
	}
	already, err := r.agent.StopService(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	msg := name + " stopped"
	if already {
		msg = name + " was not running"
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: msg})
}

func (r *Router) handleUpdates(c *gin.Context) {
	ups, err := r.agent.CheckUpdates(c.Request.Context())
	if err != nil && len(ups) == 0 {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"has_updates": len(ups) > 0, "updates": ups})
}

func (r *Router) handleUpdateStart(c *gin.Context) {
	err := r.agent.UpdateAsync(r.bg, func(updated []string, err error) {
		r.finished("update", err)
		if err == nil && len(updated) > 0 {
			r.log.Info("background update finished", "updated", updated)
		}
	})
	r.launched(c, "update", err)
}

func (r *Router) handleInstallStart(c *gin.Context) {
	err := r.agent.InstallAsync(r.bg, func(err error) { r.finished("install", err) })
	r.launched(c, "install", err)
}

func (r *Router) handleSeed(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid seed name"})
		return
	}
	err := r.agent.SeedAsync(r.bg, name, func(err error) { r.finished("seed "+name, err) })
	r.launched(c, "seed "+name, err)
}

// launched answers a pipeline launch. The pipeline runs detached from the
// request; progress is observed through GET /progress.
func (r *Router) launched(c *gin.Context, kind string, err error) {
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true, Message: kind + " started"})
}

func (r *Router) finished(kind string, err error) {
	if err != nil {
		r.log.Error("background pipeline failed", "kind", kind, "error", err)
	}
}

// ProgressResponse is the body of GET /progress.
type ProgressResponse struct {
	Running  bool              `json:"running"`
	Progress progress.Progress `json:"progress"`
	Logs     []progress.Entry  `json:"logs"`
}

func (r *Router) handleProgress(c *gin.Context) {
	b := r.agent.Progress()
	writeJSON(c, http.StatusOK, ProgressResponse{
		Running:  r.agent.Busy(),
		Progress: b.Last(),
		Logs:     b.Recent(parseLimit(c.Query("lines"), 50, 500)),
	})
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := r.service(c)
	if !ok {
		return
	}
	lines, err := logger.Tail(logger.FileConfig{Dir: r.logDir}.Path(name), parseLimit(c.Query("lines"), 100, 5000))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{"service": name, "lines": lines})
}

func (r *Router) handleLicense(c *gin.Context) {
	res := r.agent.License(c.Request.Context())
	code := http.StatusOK
	if !res.Valid {
		code = http.StatusForbidden
	}
	writeJSON(c, code, res)
}

func (r *Router) handleHistory(c *gin.Context) {
	events, err := r.agent.History(c.Request.Context(), parseLimit(c.Query("limit"), 50, 1000))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, license.ErrInvalid):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, stack.ErrUnknownSeed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
