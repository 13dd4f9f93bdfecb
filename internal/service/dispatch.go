package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

type GatewayConfig struct {
	PublicBaseURL string
	DefaultLimit  int
	MaxLimit      int
}

// Gateway is the boundary external workers talk to: they pull pending jobs
// and push back claims and results.
type Gateway struct {
	lifecycle *Lifecycle
	jobs      JobStore
	cfg       GatewayConfig
	log       *logger.Logger
}

func NewGateway(lifecycle *Lifecycle, jobs JobStore, cfg GatewayConfig) *Gateway {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	return &Gateway{
		lifecycle: lifecycle,
		jobs:      jobs,
		cfg:       cfg,
		log:       logger.New("Gateway"),
	}
}

// WebhookURL is where a worker reports the result of jobID.
func WebhookURL(baseURL, jobID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/webhook/job-complete/" + url.PathEscape(jobID)
}

func Describe(job models.ImageJob, baseURL string) models.JobDescriptor {
	return models.JobDescriptor{
		JobID:          job.ID,
		RequestID:      job.RequestID,
		RestaurantName: job.RestaurantName,
		ProductName:    job.ProductName,
		ImageURL:       job.SourceImageURL,
		CreatedAt:      job.CreatedAt,
		WebhookURL:     WebhookURL(baseURL, job.ID),
	}
}

// ListPending returns the oldest pending jobs without claiming them.
func (g *Gateway) ListPending(ctx context.Context, limit int) ([]models.JobDescriptor, error) {
	const op = "service.ListPending"

	if limit <= 0 {
		limit = g.cfg.DefaultLimit
	}
	if limit > g.cfg.MaxLimit {
		limit = g.cfg.MaxLimit
	}

	jobs, err := g.jobs.ListPendingJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]models.JobDescriptor, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Describe(j, g.cfg.PublicBaseURL))
	}
	return out, nil
}

func (g *Gateway) Claim(ctx context.Context, jobID, callbackURL string) (models.JobOutcome, error) {
	job, err := g.lifecycle.Claim(ctx, jobID, callbackURL)
	// a worker retrying after the job already finished
	return g.outcome(jobID, "claim", job, err, func(s models.JobState) bool { return s.Terminal() })
}

func (g *Gateway) Complete(ctx context.Context, jobID, processedURL, watermarkedURL string) (models.JobOutcome, error) {
	job, err := g.lifecycle.Complete(ctx, jobID, processedURL, watermarkedURL)
	return g.outcome(jobID, "complete", job, err, func(s models.JobState) bool { return s == models.JobCompleted })
}

func (g *Gateway) Fail(ctx context.Context, jobID, reason string) (models.JobOutcome, error) {
	job, err := g.lifecycle.Fail(ctx, jobID, reason)
	return g.outcome(jobID, "fail", job, err, func(s models.JobState) bool { return s == models.JobFailed })
}

// Report routes a worker's result message to Complete or Fail.
func (g *Gateway) Report(ctx context.Context, r models.JobReport) (models.JobOutcome, error) {
	const op = "service.Report"

	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case models.ReportCompleted:
		return g.Complete(ctx, r.JobID, r.ProcessedURL, r.WatermarkedURL)
	case models.ReportFailed:
		return g.Fail(ctx, r.JobID, r.Reason)
	}
	return models.JobOutcome{}, fmt.Errorf("%s: %w: unknown status %q", op, models.ErrInvalidArgument, r.Status)
}

// outcome absorbs an invalid transition when absorbed(current state) holds,
// so that repeated deliveries read as success.
func (g *Gateway) outcome(jobID, action string, job models.ImageJob, err error, absorbed func(models.JobState) bool) (models.JobOutcome, error) {
	if err == nil {
		return models.JobOutcome{JobID: job.ID, State: job.State}, nil
	}
	if errors.Is(err, models.ErrInvalidTransition) && absorbed(job.State) {
		g.log.LogWarnf("duplicate %s for job %s ignored, job is already %s", action, jobID, job.State)
		return models.JobOutcome{JobID: jobID, State: job.State, Duplicate: true}, nil
	}
	return models.JobOutcome{}, err
}
