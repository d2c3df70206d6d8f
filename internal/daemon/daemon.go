// Package daemon exposes the running orchestrator over HTTP: status and
// task submission for tooling, pause/resume/stop for control. A
// daemon.json lockfile in the state directory advertises the live
// instance to the CLI.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/metrics"
	"github.com/undercity-dev/undercity/internal/ratelimit"
)

// controller is the orchestrator surface the daemon drives.
type controller interface {
	Pause()
	Resume()
	Paused() bool
	Stop()
}

// StatusResponse is the GET /status document.
type StatusResponse struct {
	Daemon DaemonStatus   `json:"daemon"`
	Tasks  map[string]int `json:"tasks"`
}

// DaemonStatus describes the daemon process itself.
type DaemonStatus struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	Uptime    string `json:"uptime"`
	Paused    bool   `json:"paused"`
	StartedAt string `json:"startedAt"`
}

// AddTaskRequest is the POST /tasks payload.
type AddTaskRequest struct {
	Objective string `json:"objective" binding:"required"`
	Priority  int    `json:"priority"`
}

// MetricsResponse is the GET /metrics document.
type MetricsResponse struct {
	Session *metrics.Snapshot `json:"session,omitempty"`
	Usage   *UsageInfo        `json:"usage,omitempty"`
}

// UsageInfo summarises rate-limit window consumption.
type UsageInfo struct {
	FiveHour float64 `json:"fiveHour"`
	Weekly   float64 `json:"weekly"`
	Paused   bool    `json:"paused"`
}

// Server is the HTTP control daemon.
type Server struct {
	cfg      config.DaemonConfig
	stateDir string
	board    *board.Board
	orch     controller
	rec      *metrics.Recorder
	tracker  *ratelimit.Tracker
	logger   *logging.Logger

	startedAt time.Time
	httpSrv   *http.Server

	// shutdown releases Run; Stop and POST /stop both trigger it.
	shutdown context.CancelFunc
}

// New creates a daemon server. The metrics recorder and tracker may be
// nil; the corresponding endpoints degrade to partial documents.
func New(cfg config.DaemonConfig, stateDir string, b *board.Board, orch controller, rec *metrics.Recorder, tracker *ratelimit.Tracker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		stateDir: stateDir,
		board:    b,
		orch:     orch,
		rec:      rec,
		tracker:  tracker,
		logger:   logger,
	}
}

// Handler builds the gin engine. Split out so tests can drive the
// routes without a listener.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", s.handleStatus)
	r.GET("/tasks", s.handleListTasks)
	r.POST("/tasks", s.handleAddTask)
	r.GET("/metrics", s.handleMetrics)
	r.POST("/pause", s.handlePause)
	r.POST("/resume", s.handleResume)
	r.POST("/stop", s.handleStop)
	return r
}

// Run serves until the context is cancelled or POST /stop arrives, then
// shuts down gracefully and removes the lockfile.
func (s *Server) Run(ctx context.Context) error {
	if info, alive := ReadInfo(s.stateDir); alive {
		return fmt.Errorf("daemon already running: PID %d on port %d", info.PID, info.Port)
	}

	s.startedAt = time.Now()
	if err := writeInfo(s.stateDir, Info{PID: os.Getpid(), Port: s.cfg.Port, StartedAt: s.startedAt}); err != nil {
		return fmt.Errorf("failed to write daemon lockfile: %w", err)
	}
	defer removeInfo(s.stateDir)

	ctx, cancel := context.WithCancel(ctx)
	s.shutdown = cancel
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("daemon listening", "port", s.cfg.Port)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("daemon shutdown incomplete", "error", err.Error())
	}
	s.logger.Info("daemon stopped")
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	counts, err := s.board.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Daemon: DaemonStatus{
			Port:      s.cfg.Port,
			PID:       os.Getpid(),
			Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
			Paused:    s.orch.Paused(),
			StartedAt: s.startedAt.UTC().Format(time.RFC3339),
		},
		Tasks: counts,
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.board.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleAddTask(c *gin.Context) {
	var req AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objective is required"})
		return
	}
	if strings.TrimSpace(req.Objective) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objective is required"})
		return
	}

	task := &board.Task{Objective: req.Objective, Priority: req.Priority}
	if err := s.board.Add(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("task added via daemon", "task_id", task.ID)
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleMetrics(c *gin.Context) {
	var doc MetricsResponse
	if s.rec != nil {
		snap := s.rec.Snapshot()
		doc.Session = &snap
	}
	if s.tracker != nil {
		doc.Usage = &UsageInfo{
			FiveHour: s.tracker.GetUsagePercentage(ratelimit.WindowFiveHour),
			Weekly:   s.tracker.GetUsagePercentage(ratelimit.WindowWeekly),
			Paused:   s.tracker.IsPaused(),
		}
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handlePause(c *gin.Context) {
	s.orch.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.orch.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleStop(c *gin.Context) {
	s.logger.Info("stop requested via daemon")
	s.orch.Stop()
	c.JSON(http.StatusOK, gin.H{"stopping": true})
	if s.shutdown != nil {
		s.shutdown()
	}
}
