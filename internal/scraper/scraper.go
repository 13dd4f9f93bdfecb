package scraper

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
)

type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Scraper fetches one catalog page per call. It holds no session state.
type Scraper struct {
	cfg Config
	log *logger.Logger
	now func() time.Time
}

func New(cfg Config) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Scraper{cfg: cfg, log: logger.New("Scraper"), now: time.Now}
}

// FetchCatalog downloads and parses url. Transport errors, non-2xx answers
// and pages without products all fail with models.ErrFetchFailed.
func (s *Scraper) FetchCatalog(ctx context.Context, url string) (*models.ScrapeResult, error) {
	const op = "scraper.FetchCatalog"

	c := colly.NewCollector(colly.AllowURLRevisit())
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.SetRequestTimeout(s.cfg.Timeout)

	var (
		result   *models.ScrapeResult
		parseErr error
		status   int
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept-Language", "es-ES,es;q=0.9,en;q=0.8")
	})

	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			parseErr = err
			return
		}
		result = ParseCatalog(doc, url, s.now().UTC())
	})

	c.OnError(func(r *colly.Response, err error) {
		status = r.StatusCode
		s.log.LogWarnf("fetch %s failed with status %d: %v", url, r.StatusCode, err)
	})

	s.log.LogDebugf("fetching catalog %s", url)
	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("%s: %w: status %d: %v", op, models.ErrFetchFailed, status, err)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrFetchFailed, err)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrFetchFailed, parseErr)
	}
	if result == nil || len(result.Products) == 0 {
		return nil, fmt.Errorf("%s: %w: no products found at %s", op, models.ErrFetchFailed, url)
	}

	s.log.LogSuccessf("catalog %s: %d products, %d with images",
		result.Catalog.Name, result.Catalog.TotalProductCount, result.Catalog.ProductsWithImageCount)
	return result, nil
}
