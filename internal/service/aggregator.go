package service

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

// Aggregator owns processing requests and everything derived from their jobs.
type Aggregator struct {
	requests RequestStore
	jobs     JobStore
	baseURL  string
	newID    func() string
	now      func() time.Time
	log      *logger.Logger
}

func NewAggregator(requests RequestStore, jobs JobStore, publicBaseURL string) *Aggregator {
	return &Aggregator{
		requests: requests,
		jobs:     jobs,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		newID:    uuid.NewString,
		now:      time.Now,
		log:      logger.New("Aggregator"),
	}
}

func (a *Aggregator) newRequest(catalogURL, email string, jobCount int) models.ProcessingRequest {
	return models.ProcessingRequest{
		ID:              a.newID(),
		CatalogURL:      catalogURL,
		RequesterEmail:  email,
		CreatedAt:       a.now().UTC(),
		TotalImageCount: jobCount,
		PaymentStatus:   models.PaymentUnpaid,
	}
}

// RegisterRequest stores a new request expecting jobCount jobs.
func (a *Aggregator) RegisterRequest(ctx context.Context, catalogURL, email string, jobCount int) (models.ProcessingRequest, error) {
	const op = "service.RegisterRequest"

	if strings.TrimSpace(catalogURL) == "" || strings.TrimSpace(email) == "" {
		return models.ProcessingRequest{}, fmt.Errorf("%s: %w: catalog url and email are required", op, models.ErrInvalidArgument)
	}
	if jobCount < 0 {
		return models.ProcessingRequest{}, fmt.Errorf("%s: %w: negative job count", op, models.ErrInvalidArgument)
	}

	req := a.newRequest(catalogURL, email, jobCount)
	if err := a.requests.CreateRequest(ctx, req); err != nil {
		return models.ProcessingRequest{}, fmt.Errorf("%s: %w", op, err)
	}
	a.log.LogInfof("registered request %s for %s (%d images)", req.ID, catalogURL, jobCount)
	return req, nil
}

// Progress is completed/total as a percentage with one decimal; zero when
// there is nothing to do.
func Progress(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*1000) / 10
}

func (a *Aggregator) ComputeStatus(ctx context.Context, requestID string) (models.RequestStatus, error) {
	const op = "service.ComputeStatus"

	req, err := a.requests.GetRequest(ctx, requestID)
	if err != nil {
		return models.RequestStatus{}, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := a.jobs.ListJobsByRequest(ctx, requestID)
	if err != nil {
		return models.RequestStatus{}, fmt.Errorf("%s: %w", op, err)
	}

	counts := make(map[models.JobState]int, len(models.JobStates))
	for _, s := range models.JobStates {
		counts[s] = 0
	}
	completed := make([]models.CompletedImage, 0)
	for _, j := range jobs {
		counts[j.State]++
		if j.State == models.JobCompleted {
			completed = append(completed, models.CompletedImage{
				JobID:          j.ID,
				ProductName:    j.ProductName,
				ProcessedURL:   j.ProcessedImageURL,
				WatermarkedURL: j.WatermarkedImageURL,
			})
		}
	}

	return models.RequestStatus{
		RequestID:            req.ID,
		CatalogURL:           req.CatalogURL,
		RequesterEmail:       req.RequesterEmail,
		PaymentStatus:        req.PaymentStatus,
		WatermarkRemovalPaid: req.WatermarkRemovalPaid,
		CreatedAt:            req.CreatedAt,
		TotalImages:          req.TotalImageCount,
		JobStatus:            counts,
		CompletedImages:      completed,
		ProgressPercentage:   Progress(len(completed), req.TotalImageCount),
	}, nil
}

var filenameReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_")

// BuildDownloadPackage lists the finished images of a fully processed
// request. Images without the watermark need the removal to be paid for.
func (a *Aggregator) BuildDownloadPackage(ctx context.Context, requestID string, wantWatermarked bool) (models.DownloadPackage, error) {
	const op = "service.BuildDownloadPackage"

	status, err := a.ComputeStatus(ctx, requestID)
	if err != nil {
		return models.DownloadPackage{}, fmt.Errorf("%s: %w", op, err)
	}
	if status.ProgressPercentage != 100 {
		return models.DownloadPackage{}, fmt.Errorf("%s: %w: %.1f%% done", op, models.ErrIncompleteProcessing, status.ProgressPercentage)
	}
	if !wantWatermarked && !status.WatermarkRemovalPaid {
		return models.DownloadPackage{}, fmt.Errorf("%s: %w", op, models.ErrPaymentRequired)
	}

	kind := models.DownloadPremium
	if wantWatermarked {
		kind = models.DownloadWatermarked
	}

	items := make([]models.DownloadItem, 0, len(status.CompletedImages))
	for _, img := range status.CompletedImages {
		link := img.ProcessedURL
		if wantWatermarked {
			link = img.WatermarkedURL
		}
		items = append(items, models.DownloadItem{
			DisplayName:       img.ProductName,
			DownloadURL:       link,
			SuggestedFilename: filenameReplacer.Replace(img.ProductName) + ".jpg",
		})
	}

	return models.DownloadPackage{
		RequestID:      requestID,
		DownloadType:   kind,
		TotalImages:    len(items),
		Images:         items,
		ZipDownloadURL: fmt.Sprintf("%s/download/zip/%s?type=%s", a.baseURL, url.PathEscape(requestID), kind),
	}, nil
}

// ConfirmWatermarkRemoval records that the requester paid for clean images.
func (a *Aggregator) ConfirmWatermarkRemoval(ctx context.Context, requestID string) error {
	const op = "service.ConfirmWatermarkRemoval"

	if strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("%s: %w: request id is required", op, models.ErrInvalidArgument)
	}
	if err := a.requests.MarkWatermarkPaid(ctx, requestID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	a.log.LogSuccessf("watermark removal paid for request %s", requestID)
	return nil
}

// GetStatus is the status boundary used by the API layer.
func (a *Aggregator) GetStatus(ctx context.Context, requestID string) (models.RequestStatus, error) {
	return a.ComputeStatus(ctx, requestID)
}

// GetDownloadPackage accepts the download type by name; empty means watermarked.
func (a *Aggregator) GetDownloadPackage(ctx context.Context, requestID, kind string) (models.DownloadPackage, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", models.DownloadWatermarked:
		return a.BuildDownloadPackage(ctx, requestID, true)
	case models.DownloadPremium:
		return a.BuildDownloadPackage(ctx, requestID, false)
	}
	return models.DownloadPackage{}, fmt.Errorf("service.GetDownloadPackage: %w: unknown download type %q", models.ErrInvalidArgument, kind)
}
