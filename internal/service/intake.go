package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

const lockPollInterval = 500 * time.Millisecond

type IntakeConfig struct {
	PublicBaseURL   string
	PricePerImage   float64
	MinutesPerImage int
	AllowedHosts    []string
	ScrapeLockTTL   time.Duration
}

// Intake turns a catalog url into a registered request with its jobs.
type Intake struct {
	catalogs   CatalogStore
	requests   RequestStore
	scraper    Scraper
	freshness  FreshnessPolicy
	aggregator *Aggregator
	announcer  Announcer
	locker     Locker
	cfg        IntakeConfig
	log        *logger.Logger
}

// NewIntake wires the request intake. announcer and locker may be nil.
func NewIntake(catalogs CatalogStore, requests RequestStore, scraper Scraper, freshness FreshnessPolicy,
	aggregator *Aggregator, announcer Announcer, locker Locker, cfg IntakeConfig) *Intake {
	if cfg.ScrapeLockTTL <= 0 {
		cfg.ScrapeLockTTL = 2 * time.Minute
	}
	return &Intake{
		catalogs:   catalogs,
		requests:   requests,
		scraper:    scraper,
		freshness:  freshness,
		aggregator: aggregator,
		announcer:  announcer,
		locker:     locker,
		cfg:        cfg,
		log:        logger.New("Intake"),
	}
}

// AcceptRequest validates the input, makes sure a fresh enough catalog is
// stored, then creates the request together with all of its jobs.
func (in *Intake) AcceptRequest(ctx context.Context, catalogURL, email string) (models.Quote, error) {
	const op = "service.AcceptRequest"

	catalogURL = strings.TrimSpace(catalogURL)
	email = strings.TrimSpace(email)
	if err := in.validate(catalogURL, email); err != nil {
		return models.Quote{}, fmt.Errorf("%s: %w", op, err)
	}

	catalog, products, err := in.loadCatalog(ctx, catalogURL)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%s: %w", op, err)
	}

	req := in.aggregator.newRequest(catalogURL, email, 0)
	jobs := BuildJobs(req.ID, catalog, products, req.CreatedAt)
	if len(jobs) == 0 {
		return models.Quote{}, fmt.Errorf("%s: %w: catalog has no product images", op, models.ErrInvalidArgument)
	}
	req.TotalImageCount = len(jobs)

	if err := in.requests.CreateRequestWithJobs(ctx, req, jobs); err != nil {
		return models.Quote{}, fmt.Errorf("%s: %w", op, err)
	}
	in.log.LogSuccessf("accepted request %s: %s, %d images", req.ID, catalog.Name, len(jobs))

	in.announce(ctx, jobs)

	return models.Quote{
		RequestID:        req.ID,
		RestaurantName:   catalog.Name,
		TotalProducts:    len(products),
		JobCount:         len(jobs),
		EstimatedCost:    math.Round(float64(len(jobs))*in.cfg.PricePerImage*100) / 100,
		EstimatedMinutes: len(jobs) * in.cfg.MinutesPerImage,
	}, nil
}

func (in *Intake) validate(catalogURL, email string) error {
	if catalogURL == "" || email == "" {
		return fmt.Errorf("%w: catalog url and email are required", models.ErrInvalidArgument)
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: malformed email %q", models.ErrInvalidArgument, email)
	}
	u, err := url.Parse(catalogURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: malformed catalog url %q", models.ErrInvalidArgument, catalogURL)
	}
	if !HostAllowed(u.Hostname(), in.cfg.AllowedHosts) {
		return fmt.Errorf("%w: unsupported catalog host %q", models.ErrInvalidArgument, u.Hostname())
	}
	return nil
}

// HostAllowed matches host against allowed domains and their subdomains. An
// empty list allows every host.
func HostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(a)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// loadCatalog returns the stored catalog, scraping it first when it is
// missing or stale. A stale catalog is still used if the scrape fails.
func (in *Intake) loadCatalog(ctx context.Context, catalogURL string) (models.CatalogEntry, []models.Product, error) {
	entry, err := in.catalogs.GetCatalog(ctx, catalogURL)
	stored := err == nil
	if err != nil && !errors.Is(err, models.ErrCatalogNotFound) {
		return models.CatalogEntry{}, nil, err
	}
	if stored && !in.freshness.NeedsRefresh(entry.LastScrapedAt) {
		products, err := in.catalogs.ListProducts(ctx, catalogURL)
		return entry, products, err
	}

	res, err := in.refresh(ctx, catalogURL)
	if err == nil {
		return res.Catalog, res.Products, nil
	}
	if stored && errors.Is(err, models.ErrFetchFailed) {
		in.log.LogWarnf("rescrape of %s failed, using catalog from %s: %v", catalogURL, entry.LastScrapedAt, err)
		products, err := in.catalogs.ListProducts(ctx, catalogURL)
		return entry, products, err
	}
	return models.CatalogEntry{}, nil, err
}

// refresh scrapes and stores the catalog. No store transaction is open while
// the scraper runs.
func (in *Intake) refresh(ctx context.Context, catalogURL string) (*models.ScrapeResult, error) {
	if in.locker != nil {
		key := "scrape:" + catalogURL
		ok, err := in.locker.Lock(ctx, key, in.cfg.ScrapeLockTTL)
		switch {
		case err != nil:
			in.log.LogWarnf("scrape lock unavailable for %s: %v", catalogURL, err)
		case !ok:
			if res, found := in.waitForScrape(ctx, catalogURL); found {
				return res, nil
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		default:
			defer func() {
				if err := in.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
					in.log.LogWarnf("releasing scrape lock for %s: %v", catalogURL, err)
				}
			}()
		}
	}

	in.log.LogInfof("scraping catalog %s", catalogURL)
	res, err := in.scraper.FetchCatalog(ctx, catalogURL)
	if err != nil {
		return nil, err
	}
	res.Catalog.URL = catalogURL
	for i := range res.Products {
		res.Products[i].CatalogURL = catalogURL
	}
	if err := in.catalogs.SaveCatalog(ctx, *res); err != nil {
		return nil, err
	}
	return res, nil
}

// waitForScrape polls the store while another request holds the scrape lock.
func (in *Intake) waitForScrape(ctx context.Context, catalogURL string) (*models.ScrapeResult, bool) {
	deadline := time.NewTimer(in.cfg.ScrapeLockTTL)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
			entry, err := in.catalogs.GetCatalog(ctx, catalogURL)
			if err != nil || in.freshness.NeedsRefresh(entry.LastScrapedAt) {
				continue
			}
			products, err := in.catalogs.ListProducts(ctx, catalogURL)
			if err != nil {
				continue
			}
			return &models.ScrapeResult{Catalog: entry, Products: products}, true
		}
	}
}

func (in *Intake) announce(ctx context.Context, jobs []models.ImageJob) {
	if in.announcer == nil {
		return
	}
	descriptors := make([]models.JobDescriptor, 0, len(jobs))
	for _, j := range jobs {
		descriptors = append(descriptors, Describe(j, in.cfg.PublicBaseURL))
	}
	if err := in.announcer.Announce(ctx, descriptors); err != nil {
		in.log.LogError("job announcement failed, workers will pick jobs up by polling", err)
	}
}
