// Package http exposes the job queue over a JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/metrics"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the API server.
type Config struct {
	Addr    string
	Service string
	// Secret enables request signing on POST /jobs when set.
	Secret string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP adapter for the job queue.
type Server struct {
	svc     *domain.JobService
	engine  *gin.Engine
	server  *http.Server
	cfg     Config
	pinger  Pinger
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time
}

// NewServer creates a new HTTP server. pinger and m may be nil.
func NewServer(svc *domain.JobService, cfg Config, pinger Pinger, m *metrics.Metrics, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		svc:     svc,
		engine:  gin.New(),
		cfg:     cfg,
		pinger:  pinger,
		metrics: m,
		log:     log.With(logger.String("component", "http")),
		now:     time.Now,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	submit := []gin.HandlerFunc{s.handleSubmit}
	if s.cfg.Secret != "" {
		submit = append([]gin.HandlerFunc{s.verifySignature}, submit...)
	}
	s.engine.POST("/jobs", submit...)
	s.engine.GET("/jobs", s.handleListJobs)
	s.engine.GET("/jobs/:id", s.handleGetJob)
	s.engine.POST("/jobs/:id/cancel", s.handleCancel)
	s.engine.GET("/jobs/:id/items", s.handleItems)
	s.engine.GET("/content/:id", s.handleContent)
	s.engine.GET("/content/:id/attempts", s.handleAttempts)
	s.engine.GET("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

// submitRequest is the body of POST /jobs. Either URL or EntityType and
// EntityID must be set.
type submitRequest struct {
	URL            string         `json:"url"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Options        domain.Options `json:"options"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	var (
		job     *domain.Job
		created bool
		err     error
	)
	switch {
	case req.URL != "":
		job, created, err = s.svc.SubmitURL(c.Request.Context(), req.URL, req.Options, req.IdempotencyKey)
	case req.EntityType != "" && req.EntityID != "":
		var typ domain.EntityType
		typ, err = domain.ParseEntityType(req.EntityType)
		if err == nil {
			job, created, err = s.svc.Submit(c.Request.Context(), domain.SubmitRequest{
				EntityType:     typ,
				EntityID:       req.EntityID,
				Options:        req.Options,
				IdempotencyKey: req.IdempotencyKey,
				MaxAttempts:    req.MaxAttempts,
			})
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "url or entity_type and entity_id are required"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.metrics.RecordSubmitted(s.cfg.Service, string(job.EntityType))
		s.log.Info("job submitted",
			logger.String("job_id", job.ID.String()),
			logger.String("entity_type", string(job.EntityType)),
			logger.String("entity_id", job.EntityID),
		)
	}
	c.JSON(status, toJobResponse(job, s.now()))
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := domain.JobFilter{
		Status:     domain.JobStatus(c.Query("status")),
		EntityType: domain.EntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	jobs, total, err := s.svc.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	now := s.now()
	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "total": total})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.svc.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job, s.now()))
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("job cancelled", logger.String("job_id", id.String()))
	c.JSON(http.StatusOK, toJobResponse(job, s.now()))
}

func (s *Server) handleItems(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	items, err := s.svc.Items(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ContentID: it.ContentID,
			Position:  it.Position,
			State:     string(it.State),
			Error:     it.Error,
			UpdatedAt: it.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) handleContent(c *gin.Context) {
	rec, err := s.svc.Content(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contentResponse{
		ID:              rec.ID,
		Title:           rec.Title,
		ChannelID:       rec.ChannelID,
		ChannelName:     rec.ChannelName,
		DurationSeconds: rec.DurationSeconds,
		PublishedAt:     rec.PublishedAt,
		Fetched:         rec.HasArtifact(),
		ArtifactPath:    rec.ArtifactPath,
		ArtifactHash:    rec.ArtifactHash,
		ArtifactSize:    rec.ArtifactSize,
		StrategyUsed:    rec.StrategyUsed,
	})
}

func (s *Server) handleAttempts(c *gin.Context) {
	attempts, err := s.svc.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		r := attemptResponse{
			Strategy:    a.Strategy,
			Success:     a.Success,
			Error:       a.Error,
			AttemptedAt: a.AttemptedAt,
		}
		if a.JobID != uuid.Nil {
			r.JobID = a.JobID.String()
		}
		out = append(out, r)
	}
	c.JSON(http.StatusOK, gin.H{"content_id": c.Param("id"), "attempts": out})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			s.log.Warn("health check failed", logger.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.Service})
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrContentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "content not found"})
	case errors.Is(err, domain.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidURL),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed",
			logger.String("path", c.FullPath()),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("elapsed", time.Since(start)),
		)
	}
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", logger.String("addr", s.cfg.Addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
