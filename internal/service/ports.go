package service

import (
	"context"
	"time"

	"catalog-imager/internal/models"
)

type CatalogStore interface {
	GetCatalog(ctx context.Context, url string) (models.CatalogEntry, error)
	SaveCatalog(ctx context.Context, res models.ScrapeResult) error
	ListProducts(ctx context.Context, url string) ([]models.Product, error)
}

type RequestStore interface {
	CreateRequest(ctx context.Context, req models.ProcessingRequest) error
	CreateRequestWithJobs(ctx context.Context, req models.ProcessingRequest, jobs []models.ImageJob) error
	GetRequest(ctx context.Context, id string) (models.ProcessingRequest, error)
	MarkWatermarkPaid(ctx context.Context, id string) error
}

type JobStore interface {
	InsertJobs(ctx context.Context, jobs []models.ImageJob) (int, error)
	GetJob(ctx context.Context, id string) (models.ImageJob, error)
	ListJobsByRequest(ctx context.Context, requestID string) ([]models.ImageJob, error)
	ListPendingJobs(ctx context.Context, limit int) ([]models.ImageJob, error)
	TransitionJob(ctx context.Context, id string, t models.Transition) (models.ImageJob, error)
}

// Store is everything a relational backend provides.
type Store interface {
	CatalogStore
	RequestStore
	JobStore
	Ping(ctx context.Context) error
	Close()
}

// Scraper fetches a catalog page and extracts its products.
type Scraper interface {
	FetchCatalog(ctx context.Context, url string) (*models.ScrapeResult, error)
}

// Announcer pushes freshly created jobs to workers that listen instead of polling.
type Announcer interface {
	Announce(ctx context.Context, jobs []models.JobDescriptor) error
}

// Notifier is told about every job state change.
type Notifier interface {
	NotifyJob(ctx context.Context, job models.ImageJob)
}

// Locker guards a scrape so that concurrent requests for one catalog do not
// all hit the upstream site.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
