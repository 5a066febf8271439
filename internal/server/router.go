// Package server exposes the daemon's control plane over HTTP: process
// and group lifecycle, schedule management, and a live event stream,
// fronted by gin the same way the rest of this codebase's HTTP surfaces
// are (spec.md §5 "control plane").
package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sentryd/internal/auth"
	"github.com/loykin/sentryd/internal/daemon"
	"github.com/loykin/sentryd/internal/metrics"
	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/scheduler"
	"github.com/loykin/sentryd/internal/supervisor"
)

// Router exposes the daemon's control plane as gin handlers.
// Endpoints (mounted under basePath):
//
//	POST   /processes                    body: process.Spec JSON
//	GET    /processes                     query: group=, state=, pattern=
//	GET    /processes/:name
//	POST   /processes/:name/stop          query: wait=1s, force=1
//	POST   /processes/:name/restart
//	DELETE /processes/:name
//	GET    /processes/:name/metrics
//	GET    /processes/:name/output
//	POST   /processes/stop                query: pattern=... (wildcard bulk stop)
//
//	POST   /groups/:name/start
//	POST   /groups/:name/stop             query: wait=3s
//	GET    /groups/:name/status
//
//	POST   /schedules                     body: scheduleRequest JSON
//	GET    /schedules
//	POST   /schedules/:name/enable
//	POST   /schedules/:name/disable
//	DELETE /schedules/:name
//
//	GET    /events                        text/event-stream, fed by internal/eventbus
//	GET    /metrics                       Prometheus exposition format
type Router struct {
	app      *daemon.App
	basePath string
}

// NewRouter constructs a Router over app. Auth middleware is attached
// automatically when app.Auth() is non-nil.
func NewRouter(app *daemon.App, basePath string) *Router {
	return &Router{app: app, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	group := g.Group(r.basePath)
	if svc := r.app.Auth(); svc != nil {
		mw := auth.NewMiddleware(svc, true)
		group.Use(mw.GinAuth())
		authAPI := NewAuthAPI(svc)
		authAPI.RegisterAuthEndpoints(group)
	}

	group.POST("/processes", r.handleStart)
	group.GET("/processes", r.handleList)
	group.POST("/processes/stop", r.handleStopMatch)
	group.GET("/processes/:name", r.handleGet)
	group.POST("/processes/:name/stop", r.handleStop)
	group.POST("/processes/:name/restart", r.handleRestart)
	group.DELETE("/processes/:name", r.handleRemove)
	group.GET("/processes/:name/metrics", r.handleMetrics)
	group.GET("/processes/:name/output", r.handleOutput)

	group.POST("/groups/:name/start", r.handleGroupStart)
	group.POST("/groups/:name/stop", r.handleGroupStop)
	group.GET("/groups/:name/status", r.handleGroupStatus)

	group.POST("/schedules", r.handleScheduleAdd)
	group.GET("/schedules", r.handleScheduleList)
	group.POST("/schedules/:name/enable", r.handleScheduleEnable)
	group.POST("/schedules/:name/disable", r.handleScheduleDisable)
	group.DELETE("/schedules/:name", r.handleScheduleRemove)

	group.GET("/events", r.handleEvents)
	group.GET("/metrics", r.handlePrometheusMetrics)

	return g
}

// NewServer builds an *http.Server around a Router, mirroring the
// teacher's ReadHeaderTimeout/ReadTimeout/WriteTimeout/IdleTimeout
// defaults; it does not start listening, so the caller's "serve" command
// can tie the listener lifetime to a signal-cancelled context.
func NewServer(addr, basePath string, app *daemon.App) *http.Server {
	r := NewRouter(app, basePath)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // /events is long-lived
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeError(c *gin.Context, err error) {
	var supErr *supervisor.Error
	if errors.As(err, &supErr) {
		switch supErr.Kind {
		case supervisor.KindNotFound:
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		case supervisor.KindAlreadyRunning:
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		}
		return
	}
	writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
}

func (r *Router) handleStart(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeAbsPath(spec.WorkingDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid working_dir: must be absolute path without traversal"})
		return
	}
	snap, err := r.app.StartProcess(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleList(c *gin.Context) {
	if pattern := c.Query("pattern"); pattern != "" {
		writeJSON(c, http.StatusOK, r.app.Supervisor().ListMatch(pattern))
		return
	}
	opts := supervisor.ListOptions{
		Group: c.Query("group"),
		State: supervisor.State(c.Query("state")),
	}
	writeJSON(c, http.StatusOK, r.app.Supervisor().List(opts))
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("name")
	snap, err := r.app.Supervisor().Get(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func stopOptionsFromQuery(c *gin.Context) supervisor.StopOptions {
	opts := supervisor.StopOptions{Grace: supervisor.DefaultGrace}
	if waitStr := c.Query("wait"); waitStr != "" {
		if d, err := time.ParseDuration(waitStr); err == nil {
			opts.Grace = d
		}
	}
	opts.Force = c.Query("force") == "1" || c.Query("force") == "true"
	return opts
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.StopProcess(name, stopOptionsFromQuery(c)); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopMatch(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pattern query param required"})
		return
	}
	if err := r.app.StopMatch(pattern, stopOptionsFromQuery(c)); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("name")
	snap, err := r.app.RestartProcess(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleRemove(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.RemoveProcess(name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleMetrics(c *gin.Context) {
	name := c.Param("name")
	m, err := r.app.Supervisor().MetricsFor(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func (r *Router) handleOutput(c *gin.Context) {
	name := c.Param("name")
	out, err := r.app.Supervisor().OutputFor(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGroupStart(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.GroupStart(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGroupStop(c *gin.Context) {
	name := c.Param("name")
	grace := 3 * time.Second
	if waitStr := c.Query("wait"); waitStr != "" {
		if d, err := time.ParseDuration(waitStr); err == nil {
			grace = d
		}
	}
	if err := r.app.GroupStop(name, grace); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGroupStatus(c *gin.Context) {
	name := c.Param("name")
	st, err := r.app.GroupStatus(name)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// scheduleRequest is the wire shape for POST /schedules: a Schedule's
// public fields minus the runbook bookkeeping (LastRun/NextRun/RunCount
// are computed, not submitted).
type scheduleRequest struct {
	Name       string           `json:"name"`
	Kind       scheduler.Kind   `json:"kind"`
	Expression string           `json:"expression"`
	Target     scheduler.Target `json:"target"`
	Enabled    *bool            `json:"enabled"`
}

func (r *Router) handleScheduleAdd(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := scheduler.Schedule{
		Name:       req.Name,
		Kind:       req.Kind,
		Expression: req.Expression,
		Target:     req.Target,
		Enabled:    enabled,
	}
	if err := r.app.AddSchedule(sched); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScheduleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Scheduler().List())
}

func (r *Router) handleScheduleEnable(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.EnableSchedule(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScheduleDisable(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.DisableSchedule(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScheduleRemove(c *gin.Context) {
	name := c.Param("name")
	if err := r.app.RemoveSchedule(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleEvents streams the event bus as Server-Sent Events, one event per
// message (spec.md §5 "control plane" implies a live event surface; this
// codebase's stack has no WebSocket library, so the surface is redesigned
// onto SSE over the same eventbus subscription the history sink reads).
func (r *Router) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub := r.app.Events().Subscribe()
	defer r.app.Events().Unsubscribe(sub)

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Kind), evt)
			return true
		}
	})
}

func (r *Router) handlePrometheusMetrics(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
