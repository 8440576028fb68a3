package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/enkore/borgcube/pkg/daemon"
	"github.com/enkore/borgcube/pkg/events"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/log"
	"github.com/enkore/borgcube/pkg/metrics"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the daemon's HTTP control API.
type Server struct {
	store   storage.Store
	daemon  *daemon.Daemon
	creator *job.Creator
	broker  *events.Broker
	logger  zerolog.Logger

	http *http.Server
}

// NewServer wires the control API against the daemon.
func NewServer(store storage.Store, d *daemon.Daemon, creator *job.Creator, broker *events.Broker) *Server {
	return &Server{
		store:   store,
		daemon:  d,
		creator: creator,
		broker:  broker,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.POST("/jobs/trigger", s.triggerJob)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/log/stream", s.streamJobLog)
		v1.GET("/stats", s.stats)
		v1.GET("/schedules", s.listSchedules)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info().Str("addr", addr).Msg("control API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the API server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type triggerRequest struct {
	Kind       string `json:"kind" binding:"required"`
	Repository string `json:"repository" binding:"required"`
	Client     string `json:"client"`
	Config     string `json:"config"`
	Repair     bool   `json:"repair"`
}

func (s *Server) triggerJob(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	repo, err := s.store.GetRepository(req.Repository)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repository not found"})
		return
	}

	var j *types.Job
	switch types.JobKind(req.Kind) {
	case types.JobKindBackup, types.JobKindRestore:
		client, err := s.store.GetClient(req.Client)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		if types.JobKind(req.Kind) == types.JobKindBackup {
			j, err = s.creator.Backup(repo, client, req.Config)
		} else {
			j, err = s.creator.Restore(repo, client, req.Config)
		}
		if err != nil {
			s.createError(c, err)
			return
		}
	case types.JobKindCheck:
		if j, err = s.creator.Check(repo, req.Config, req.Repair); err != nil {
			s.createError(c, err)
			return
		}
	case types.JobKindPrune:
		if j, err = s.creator.Prune(repo, req.Config); err != nil {
			s.createError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown job kind"})
		return
	}

	if s.daemon != nil {
		s.daemon.Wake()
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) createError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNameReserved) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.daemon.Cancel(id); err != nil {
		if errors.Is(err, daemon.ErrUnknownJob) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) listJobs(c *gin.Context) {
	var (
		jobs []*types.Job
		err  error
	)
	if state := c.Query("state"); state != "" {
		jobs, err = s.store.ListJobsByState(types.JobState(state))
	} else {
		jobs, err = s.store.ListJobs()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.store.GetJob(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) listSchedules(c *gin.Context) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

func (s *Server) stats(c *gin.Context) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byState := make(map[types.JobState]int)
	for _, j := range jobs {
		byState[j.State]++
	}
	stats := gin.H{
		"jobs_total":    len(jobs),
		"jobs_by_state": byState,
	}
	if s.daemon != nil {
		stats["queue_depth"] = s.daemon.QueueDepth()
		stats["running"] = s.daemon.RunningCount()
	}
	c.JSON(http.StatusOK, stats)
}

// streamJobLog fans a job's progress events out over a websocket.
// Delivery is best effort; a slow consumer misses events rather than
// slowing the worker down.
func (s *Server) streamJobLog(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.store.GetJob(jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	// Reader goroutine notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.JobID != jobID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
