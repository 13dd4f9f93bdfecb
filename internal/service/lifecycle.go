package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

const jobIDLength = 16

// JobID derives the job identifier from its natural key. Equal inputs always
// give the same id, which is what makes fan-out safe to repeat.
func JobID(requestID, productName, imageURL string) string {
	h := sha256.New()
	h.Write([]byte(requestID))
	h.Write([]byte{0})
	h.Write([]byte(productName))
	h.Write([]byte{0})
	h.Write([]byte(imageURL))
	return hex.EncodeToString(h.Sum(nil))[:jobIDLength]
}

// BuildJobs expands a product list into pending jobs, one per distinct
// (product, image) pair. Products without an image are skipped.
func BuildJobs(requestID string, catalog models.CatalogEntry, products []models.Product, now time.Time) []models.ImageJob {
	seen := make(map[string]struct{}, len(products))
	jobs := make([]models.ImageJob, 0, len(products))
	for _, p := range products {
		image := strings.TrimSpace(p.ImageURL)
		if image == "" {
			continue
		}
		id := JobID(requestID, p.Name, image)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		restaurant := p.RestaurantName
		if restaurant == "" {
			restaurant = catalog.Name
		}
		jobs = append(jobs, models.ImageJob{
			ID:             id,
			RequestID:      requestID,
			CatalogURL:     catalog.URL,
			RestaurantName: restaurant,
			ProductName:    p.Name,
			SourceImageURL: image,
			State:          models.JobPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return jobs
}

// Lifecycle owns every state change of an image job.
type Lifecycle struct {
	jobs     JobStore
	notifier Notifier
	now      func() time.Time
	log      *logger.Logger
}

func NewLifecycle(jobs JobStore, notifier Notifier) *Lifecycle {
	return &Lifecycle{
		jobs:     jobs,
		notifier: notifier,
		now:      time.Now,
		log:      logger.New("Lifecycle"),
	}
}

// CreateJobs fans a catalog out into jobs for requestID. Jobs that already
// exist are left untouched.
func (l *Lifecycle) CreateJobs(ctx context.Context, requestID string, catalog models.CatalogEntry, products []models.Product) ([]models.ImageJob, error) {
	const op = "service.CreateJobs"

	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%s: %w: request id is required", op, models.ErrInvalidArgument)
	}

	jobs := BuildJobs(requestID, catalog, products, l.now().UTC())
	inserted, err := l.jobs.InsertJobs(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	l.log.LogInfof("request %s: %d jobs, %d new", requestID, len(jobs), inserted)
	return jobs, nil
}

// Claim moves a pending job to claimed. Claiming an already claimed job
// replaces its callback.
func (l *Lifecycle) Claim(ctx context.Context, jobID, callbackURL string) (models.ImageJob, error) {
	const op = "service.Claim"

	if strings.TrimSpace(callbackURL) == "" {
		return models.ImageJob{}, fmt.Errorf("%s: %w: callback url is required", op, models.ErrInvalidArgument)
	}
	return l.transition(ctx, op, jobID, models.Transition{
		From:        []models.JobState{models.JobPending, models.JobClaimed},
		To:          models.JobClaimed,
		CallbackURL: callbackURL,
	})
}

func (l *Lifecycle) Complete(ctx context.Context, jobID, processedURL, watermarkedURL string) (models.ImageJob, error) {
	const op = "service.Complete"

	if strings.TrimSpace(processedURL) == "" || strings.TrimSpace(watermarkedURL) == "" {
		return models.ImageJob{}, fmt.Errorf("%s: %w: processed and watermarked urls are required", op, models.ErrInvalidArgument)
	}
	for _, raw := range []string{processedURL, watermarkedURL} {
		if !isResultURL(raw) {
			return models.ImageJob{}, fmt.Errorf("%s: %w: result url %q must be absolute http(s)", op, models.ErrInvalidArgument, raw)
		}
	}
	return l.transition(ctx, op, jobID, models.Transition{
		From:           []models.JobState{models.JobClaimed},
		To:             models.JobCompleted,
		ProcessedURL:   processedURL,
		WatermarkedURL: watermarkedURL,
	})
}

// isResultURL reports whether raw can be handed out as a download link.
func isResultURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || u.User != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (l *Lifecycle) Fail(ctx context.Context, jobID, reason string) (models.ImageJob, error) {
	const op = "service.Fail"

	return l.transition(ctx, op, jobID, models.Transition{
		From:          []models.JobState{models.JobClaimed},
		To:            models.JobFailed,
		FailureReason: reason,
	})
}

// transition returns the stored row alongside ErrInvalidTransition so callers
// can see which state blocked the change.
func (l *Lifecycle) transition(ctx context.Context, op, jobID string, t models.Transition) (models.ImageJob, error) {
	if strings.TrimSpace(jobID) == "" {
		return models.ImageJob{}, fmt.Errorf("%s: %w: job id is required", op, models.ErrInvalidArgument)
	}
	t.At = l.now().UTC()

	job, err := l.jobs.TransitionJob(ctx, jobID, t)
	if err != nil {
		return job, fmt.Errorf("%s: %w", op, err)
	}

	l.log.LogDebugf("job %s -> %s", jobID, job.State)
	if l.notifier != nil {
		l.notifier.NotifyJob(ctx, job)
	}
	return job, nil
}
