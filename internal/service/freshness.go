package service

import (
	"strings"
	"time"
)

const DefaultCatalogMaxAge = 24 * time.Hour

// Timestamps without a zone are read as UTC.
var naiveTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// FreshnessPolicy decides whether a stored catalog must be scraped again.
type FreshnessPolicy struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func NewFreshnessPolicy(maxAge time.Duration) FreshnessPolicy {
	if maxAge <= 0 {
		maxAge = DefaultCatalogMaxAge
	}
	return FreshnessPolicy{MaxAge: maxAge, Now: time.Now}
}

// NeedsRefresh is true for timestamps older than MaxAge and for anything it
// cannot parse.
func (p FreshnessPolicy) NeedsRefresh(lastScrapedAt string) bool {
	scraped, ok := parseScrapeTime(lastScrapedAt)
	if !ok {
		return true
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultCatalogMaxAge
	}
	return now().Sub(scraped) > maxAge
}

func parseScrapeTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	naive := strings.TrimSuffix(s, "Z")
	for _, layout := range naiveTimeLayouts {
		if t, err := time.Parse(layout, naive); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
