// internal/models/models.go
package models

import "time"

type JobState string

const (
	JobPending   JobState = "pending"
	JobClaimed   JobState = "claimed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobStates lists every state in lifecycle order.
var JobStates = []JobState{JobPending, JobClaimed, JobCompleted, JobFailed}

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// CatalogEntry is the restaurant row written by the scraper.
// LastScrapedAt is kept as stored so that freshness checks can treat
// malformed values as stale.
type CatalogEntry struct {
	URL                    string `json:"url"`
	Name                   string `json:"name"`
	LastScrapedAt          string `json:"last_scraped_at"`
	TotalProductCount      int    `json:"total_product_count"`
	ProductsWithImageCount int    `json:"products_with_image_count"`
}

type Product struct {
	CatalogURL        string    `json:"catalog_url"`
	RestaurantName    string    `json:"restaurant_name"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Price             float64   `json:"price"`
	PriceDisplay      string    `json:"price_display"`
	Category          string    `json:"category"`
	ImageURL          string    `json:"image_url"`
	PromotionDiscount *int      `json:"promotion_discount,omitempty"`
	ScrapedAt         time.Time `json:"scraped_at"`
}

// ScrapeResult is what the scraping collaborator hands back for one catalog.
type ScrapeResult struct {
	Catalog  CatalogEntry
	Products []Product
}

type ImageJob struct {
	ID                  string    `json:"id"`
	RequestID           string    `json:"request_id"`
	CatalogURL          string    `json:"catalog_url"`
	RestaurantName      string    `json:"restaurant_name"`
	ProductName         string    `json:"product_name"`
	SourceImageURL      string    `json:"source_image_url"`
	State               JobState  `json:"state"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	ProcessedImageURL   string    `json:"processed_image_url,omitempty"`
	WatermarkedImageURL string    `json:"watermarked_image_url,omitempty"`
	ClaimCallbackURL    string    `json:"claim_callback_url,omitempty"`
	FailureReason       string    `json:"failure_reason,omitempty"`
}

type ProcessingRequest struct {
	ID                   string        `json:"id"`
	CatalogURL           string        `json:"catalog_url"`
	RequesterEmail       string        `json:"requester_email"`
	CreatedAt            time.Time     `json:"created_at"`
	TotalImageCount      int           `json:"total_image_count"`
	PaymentStatus        PaymentStatus `json:"payment_status"`
	WatermarkRemovalPaid bool          `json:"watermark_removal_paid"`
}

// Transition is a compare-and-set request against one job row: the update
// applies only while the row is in one of From.
type Transition struct {
	From           []JobState
	To             JobState
	CallbackURL    string
	ProcessedURL   string
	WatermarkedURL string
	FailureReason  string
	At             time.Time
}

// Allows reports whether a job in state s may take this transition.
func (t Transition) Allows(s JobState) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Apply returns job with the transition's fields written onto it.
func (t Transition) Apply(job ImageJob) ImageJob {
	job.State = t.To
	job.UpdatedAt = t.At
	switch t.To {
	case JobClaimed:
		job.ClaimCallbackURL = t.CallbackURL
	case JobCompleted:
		job.ProcessedImageURL = t.ProcessedURL
		job.WatermarkedImageURL = t.WatermarkedURL
	case JobFailed:
		job.FailureReason = t.FailureReason
	}
	return job
}

// JobDescriptor is the pull payload handed to external workers.
type JobDescriptor struct {
	JobID          string    `json:"job_id"`
	RequestID      string    `json:"request_id"`
	RestaurantName string    `json:"restaurant_name"`
	ProductName    string    `json:"product_name"`
	ImageURL       string    `json:"image_url"`
	CreatedAt      time.Time `json:"created_at"`
	WebhookURL     string    `json:"webhook_url"`
}

// JobReport is the push payload a worker sends when it is done with a job.
type JobReport struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"` // completed | failed
	ProcessedURL   string `json:"processed_image_url"`
	WatermarkedURL string `json:"watermarked_image_url"`
	Reason         string `json:"reason"`
}

const (
	ReportCompleted = "completed"
	ReportFailed    = "failed"
)

type CompletedImage struct {
	JobID          string `json:"job_id"`
	ProductName    string `json:"product_name"`
	ProcessedURL   string `json:"processed_url"`
	WatermarkedURL string `json:"watermarked_url"`
}

type RequestStatus struct {
	RequestID            string           `json:"request_id"`
	CatalogURL           string           `json:"catalog_url"`
	RequesterEmail       string           `json:"requester_email"`
	PaymentStatus        PaymentStatus    `json:"payment_status"`
	WatermarkRemovalPaid bool             `json:"watermark_removal_paid"`
	CreatedAt            time.Time        `json:"created_at"`
	TotalImages          int              `json:"total_images"`
	JobStatus            map[JobState]int `json:"job_status"`
	CompletedImages      []CompletedImage `json:"completed_images"`
	ProgressPercentage   float64          `json:"progress_percentage"`
}

const (
	DownloadWatermarked = "watermarked"
	DownloadPremium     = "premium"
)

type DownloadItem struct {
	DisplayName       string `json:"product_name"`
	DownloadURL       string `json:"download_url"`
	SuggestedFilename string `json:"filename"`
}

type DownloadPackage struct {
	RequestID      string         `json:"request_id"`
	DownloadType   string         `json:"download_type"`
	TotalImages    int            `json:"total_images"`
	Images         []DownloadItem `json:"images"`
	ZipDownloadURL string         `json:"zip_download_url,omitempty"`
}

// Quote is returned when a request is accepted.
type Quote struct {
	RequestID        string  `json:"request_id"`
	RestaurantName   string  `json:"restaurant_name"`
	TotalProducts    int     `json:"total_products"`
	JobCount         int     `json:"images_to_process"`
	EstimatedCost    float64 `json:"estimated_cost"`
	EstimatedMinutes int     `json:"processing_time_minutes"`
}

// JobOutcome is what the worker boundary reports back for claim, complete
// and fail. Duplicate marks a call absorbed against a job that had already
// reached the requested terminal state.
type JobOutcome struct {
	JobID     string   `json:"job_id"`
	State     JobState `json:"state"`
	Duplicate bool     `json:"duplicate"`
}

// JobEvent is published to the request's channel after every job transition.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	RequestID string    `json:"request_id"`
	State     JobState  `json:"state"`
	At        time.Time `json:"at"`
}
