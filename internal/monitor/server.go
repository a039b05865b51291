// Package monitor serves the HTTP API used to watch and operate the queues.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/compute"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"
)

// Backend is the dispatcher surface the API needs.
type Backend interface {
	Submit(ctx context.Context, p botqueue.Payload, opts ...botqueue.Option) (*botqueue.Handle, error)
	Stats(ctx context.Context) map[botqueue.QueueName]botqueue.QueueStats
	HealthCheck(ctx context.Context) botqueue.Health
	Pause(ctx context.Context, q botqueue.QueueName) error
	Resume(ctx context.Context, q botqueue.QueueName) error
	Clean(ctx context.Context, q botqueue.QueueName, state botqueue.State) (int, error)
	GetJob(ctx context.Context, q botqueue.QueueName, id string) (*botqueue.Job, error)
	InFlight(q botqueue.QueueName) int64
}

// ComputeStats is implemented by the compute pool.
type ComputeStats interface {
	Metrics() compute.Metrics
}

// Dependencies holds what the handlers use. Metrics and Compute are optional.
type Dependencies struct {
	Backend Backend
	Metrics *Metrics
	Compute ComputeStats
	Logger  *slog.Logger
}

// Server is the monitoring HTTP server.
type Server struct {
	deps    Dependencies
	engine  *gin.Engine
	srv     *http.Server
	started time.Time
	proc    *process.Process
}

// New builds the router.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, started: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/stats", s.stats)
		api.GET("/metrics", s.metrics)

		queues := api.Group("/queues")
		{
			queues.GET("", s.queues)
			queues.POST("/:queue/pause", s.pause)
			queues.POST("/:queue/resume", s.resume)
			queues.POST("/:queue/clean", s.clean)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("/:queue/:id", s.getJob)
			jobs.POST("/text", submit[botqueue.TextPayload](s))
			jobs.POST("/image", submit[botqueue.ImagePayload](s))
			jobs.POST("/notification", submit[botqueue.NotificationPayload](s))
		}
	}
	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.deps.Logger.Info("monitor listening", slog.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// status maps a dispatcher error onto an HTTP status.
func status(err error) int {
	switch {
	case errors.Is(err, botqueue.ErrUnknownQueue), errors.Is(err, botqueue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, botqueue.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, botqueue.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, botqueue.ErrUnknownState), errors.Is(err, botqueue.ErrActiveState), botqueue.IsValidation(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(status(err), gin.H{"error": err.Error()})
}

func queueParam(c *gin.Context) (botqueue.QueueName, bool) {
	q, err := botqueue.ParseQueue(c.Param("queue"))
	if err != nil {
		fail(c, err)
		return "", false
	}
	return q, true
}

type healthResponse struct {
	botqueue.Health
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
	RSSBytes      uint64 `json:"rss_bytes,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{
		Health:        s.deps.Backend.HealthCheck(c.Request.Context()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfoWithContext(c.Request.Context()); err == nil {
			resp.RSSBytes = mi.RSS
		}
	}
	code := http.StatusOK
	if resp.Status != botqueue.HealthHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

type queueStats struct {
	botqueue.QueueStats
	InFlight int64 `json:"in_flight"`
}

func (s *Server) stats(c *gin.Context) {
	snap := s.deps.Backend.Stats(c.Request.Context())
	out := make(map[botqueue.QueueName]queueStats, len(snap))
	for q, st := range snap {
		out[q] = queueStats{QueueStats: st, InFlight: s.deps.Backend.InFlight(q)}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) metrics(c *gin.Context) {
	body := gin.H{}
	if s.deps.Metrics != nil {
		body["events"] = s.deps.Metrics.Snapshot()
	}
	if s.deps.Compute != nil {
		body["compute"] = s.deps.Compute.Metrics()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) queues(c *gin.Context) {
	snap := s.deps.Backend.Stats(c.Request.Context())
	out := make([]gin.H, 0, len(botqueue.AllQueues))
	for _, q := range botqueue.AllQueues {
		st := snap[q]
		out = append(out, gin.H{"name": q, "job_name": q.JobName(), "paused": st.Paused, "error": st.Error})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) pause(c *gin.Context) {
	q, ok := queueParam(c)
	if !ok {
		return
	}
	if err := s.deps.Backend.Pause(c.Request.Context(), q); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q, "paused": true})
}

func (s *Server) resume(c *gin.Context) {
	q, ok := queueParam(c)
	if !ok {
		return
	}
	if err := s.deps.Backend.Resume(c.Request.Context(), q); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q, "paused": false})
}

func (s *Server) clean(c *gin.Context) {
	q, ok := queueParam(c)
	if !ok {
		return
	}
	state, err := botqueue.ParseState(c.Query("state"))
	if err != nil {
		fail(c, err)
		return
	}
	n, err := s.deps.Backend.Clean(c.Request.Context(), q, state)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q, "state": state, "removed": n})
}

func (s *Server) getJob(c *gin.Context) {
	q, ok := queueParam(c)
	if !ok {
		return
	}
	job, err := s.deps.Backend.GetJob(c.Request.Context(), q, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// submit binds the body as a payload of type P. Query parameters job_id,
// priority and delay_ms map onto submission options.
func submit[P botqueue.Payload](s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p P
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		var opts []botqueue.Option
		if id := c.Query("job_id"); id != "" {
			opts = append(opts, botqueue.JobID(id))
		}
		if v := c.Query("priority"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
				return
			}
			opts = append(opts, botqueue.Priority(n))
		}
		if v := c.Query("delay_ms"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "delay_ms must be a non-negative integer"})
				return
			}
			opts = append(opts, botqueue.Delay(time.Duration(ms)*time.Millisecond))
		}
		h, err := s.deps.Backend.Submit(c.Request.Context(), p, opts...)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, h)
	}
}
