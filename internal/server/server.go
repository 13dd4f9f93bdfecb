package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

type Intake interface {
	AcceptRequest(ctx context.Context, catalogURL, email string) (models.Quote, error)
}

type Requests interface {
	GetStatus(ctx context.Context, requestID string) (models.RequestStatus, error)
	GetDownloadPackage(ctx context.Context, requestID, kind string) (models.DownloadPackage, error)
	ConfirmWatermarkRemoval(ctx context.Context, requestID string) error
}

type Dispatch interface {
	ListPending(ctx context.Context, limit int) ([]models.JobDescriptor, error)
	Claim(ctx context.Context, jobID, callbackURL string) (models.JobOutcome, error)
	Report(ctx context.Context, r models.JobReport) (models.JobOutcome, error)
}

// EventSource streams job events of one request.
type EventSource interface {
	Subscribe(ctx context.Context, requestID string) (<-chan models.JobEvent, error)
}

type HealthCheck func(ctx context.Context) error

type Deps struct {
	Intake   Intake
	Requests Requests
	Dispatch Dispatch
	Events   EventSource            // optional
	Health   map[string]HealthCheck // name -> check
	Fetcher  *http.Client           // zip downloads; nil refuses internal addresses
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	deps   Deps
	log    *logger.Logger
}

func NewServer(cfg *models.Config, deps Deps) *Server {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	s := &Server{cfg: cfg, router: r, deps: deps, log: logger.New("Server")}
	if s.deps.Fetcher == nil {
		s.deps.Fetcher = s.newFetcher()
	}

	api := r.Group("/api")
	api.POST("/requests", s.handleCreateRequest)
	api.GET("/requests/:id", s.handleGetStatus)
	api.GET("/requests/:id/download", s.handleGetDownload)
	if deps.Events != nil {
		api.GET("/requests/:id/events", s.handleEvents)
	}
	api.POST("/payments/confirm", s.handleConfirmPayment)

	api.GET("/jobs/pending", s.handleListPending)
	api.POST("/jobs/:id/claim", s.handleClaim)
	api.POST("/webhook/job-complete/:id", s.handleJobWebhook)

	r.GET("/download/zip/:id", s.handleZipDownload)
	r.GET("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.LogInfof("listening on %s", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

var statusByCode = map[string]int{
	models.CodeInvalidArgument:      http.StatusBadRequest,
	models.CodePaymentRequired:      http.StatusPaymentRequired,
	models.CodeJobNotFound:          http.StatusNotFound,
	models.CodeRequestNotFound:      http.StatusNotFound,
	models.CodeCatalogNotFound:      http.StatusNotFound,
	models.CodeInvalidTransition:    http.StatusConflict,
	models.CodeDuplicateRequest:     http.StatusConflict,
	models.CodeIncompleteProcessing: http.StatusConflict,
	models.CodeFetchFailed:          http.StatusBadGateway,
	models.CodeStorageUnavailable:   http.StatusServiceUnavailable,
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	code := models.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if !models.IsBusiness(err) {
		s.log.LogError(op, err)
		if code == models.CodeStorageUnavailable {
			msg = "storage is unavailable, retry later"
		} else {
			msg = "internal error"
		}
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": models.CodeInvalidArgument, "message": err.Error()}})
}

type createRequestBody struct {
	CatalogURL     string `json:"catalog_url" binding:"required"`
	RequesterEmail string `json:"requester_email" binding:"required"`
}

func (s *Server) handleCreateRequest(c *gin.Context) {
	const op = "server.handleCreateRequest"

	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	quote, err := s.deps.Intake.AcceptRequest(c.Request.Context(), body.CatalogURL, body.RequesterEmail)
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, quote)
}

func (s *Server) handleGetStatus(c *gin.Context) {
	const op = "server.handleGetStatus"

	status, err := s.deps.Requests.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	const op = "server.handleGetDownload"

	pkg, err := s.deps.Requests.GetDownloadPackage(c.Request.Context(), c.Param("id"), c.Query("type"))
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

type confirmPaymentBody struct {
	RequestID string `json:"request_id" binding:"required"`
}

func (s *Server) handleConfirmPayment(c *gin.Context) {
	const op = "server.handleConfirmPayment"

	var body confirmPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Requests.ConfirmWatermarkRemoval(c.Request.Context(), body.RequestID); err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": body.RequestID, "watermark_removal_paid": true})
}

func (s *Server) handleEvents(c *gin.Context) {
	const op = "server.handleEvents"

	id := c.Param("id")
	if _, err := s.deps.Requests.GetStatus(c.Request.Context(), id); err != nil {
		s.writeError(c, op, err)
		return
	}
	events, err := s.deps.Events.Subscribe(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, op, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent("job", ev)
			c.Writer.Flush()
		}
	}
}

func (s *Server) handleListPending(c *gin.Context) {
	const op = "server.handleListPending"

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, fmt.Errorf("limit must be an integer: %w", err))
			return
		}
		limit = n
	}

	jobs, err := s.deps.Dispatch.ListPending(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

type claimBody struct {
	CallbackURL string `json:"callback_url"`
}

func (s *Server) handleClaim(c *gin.Context) {
	const op = "server.handleClaim"

	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.deps.Dispatch.Claim(c.Request.Context(), c.Param("id"), body.CallbackURL)
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleJobWebhook(c *gin.Context) {
	const op = "server.handleJobWebhook"

	var report models.JobReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err)
		return
	}
	report.JobID = c.Param("id")

	out, err := s.deps.Dispatch.Report(c.Request.Context(), report)
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
