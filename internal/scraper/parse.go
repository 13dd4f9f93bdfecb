package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"catalog-imager/internal/models"
)

const (
	unknownRestaurant = "Unknown Restaurant"
	unknownCategory   = "Unknown Category"
)

var (
	titleSeparators = []string{" delivery", " a domicilio"}

	discountRe = regexp.MustCompile(`-(\d+)%`)
	priceRe    = regexp.MustCompile(`\d+(?:\.\d+)?`)

	cloudinaryQuality = regexp.MustCompile(`q_auto[^,/]*`)
	cloudinaryWidth   = regexp.MustCompile(`\bw_\d+`)
	cloudinaryHeight  = regexp.MustCompile(`\bh_\d+`)
)

// ParseCatalog extracts the restaurant and its product rows from a rendered
// catalog page.
func ParseCatalog(doc *goquery.Document, url string, now time.Time) *models.ScrapeResult {
	name := restaurantName(doc)

	var products []models.Product
	doc.Find(`[data-test-id="product-row-content"]`).Each(func(_ int, row *goquery.Selection) {
		productName := text(row, `[data-test-id="product-row-name__highlighter"]`)
		if productName == "" {
			return
		}

		priceDisplay := text(row, `[data-test-id="product-row-price"]`)
		p := models.Product{
			CatalogURL:     url,
			RestaurantName: name,
			Name:           productName,
			Description:    text(row, `[data-test-id="product-row-description__highlighter"]`),
			Price:          parsePrice(priceDisplay),
			PriceDisplay:   priceDisplay,
			Category:       unknownCategory,
			ScrapedAt:      now,
		}

		if src, ok := row.Find(`img[data-test-id="img-formats"]`).First().Attr("src"); ok {
			p.ImageURL = improveImageURL(strings.TrimSpace(src))
		}

		if promo := row.Find(`[data-test-id="product-row-promotion"]`); promo.Length() > 0 {
			if m := discountRe.FindStringSubmatch(promo.Text()); m != nil {
				if d, err := strconv.Atoi(m[1]); err == nil {
					p.PromotionDiscount = &d
				}
			}
		}

		products = append(products, p)
	})

	withImages := 0
	for _, p := range products {
		if p.ImageURL != "" {
			withImages++
		}
	}

	return &models.ScrapeResult{
		Catalog: models.CatalogEntry{
			URL:                    url,
			Name:                   name,
			LastScrapedAt:          now.Format(time.RFC3339),
			TotalProductCount:      len(products),
			ProductsWithImageCount: withImages,
		},
		Products: products,
	}
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func restaurantName(doc *goquery.Document) string {
	if name, ok := beforeSeparator(doc.Find("title").First().Text()); ok {
		return name
	}
	if content, exists := doc.Find(`meta[name="title"]`).First().Attr("content"); exists {
		if name, ok := beforeSeparator(content); ok {
			return name
		}
	}
	return unknownRestaurant
}

func beforeSeparator(s string) (string, bool) {
	for _, sep := range titleSeparators {
		if i := strings.Index(s, sep); i >= 0 {
			return strings.TrimSpace(s[:i]), true
		}
	}
	return "", false
}

// parsePrice reads "12,50 €" style labels; anything unreadable is 0.
func parsePrice(display string) float64 {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(display, "€", ""), ",", ".")
	m := priceRe.FindString(cleaned)
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return f
}

// improveImageURL asks Cloudinary for the best quality 800px rendition.
func improveImageURL(u string) string {
	if !strings.Contains(u, "cloudinary.com") {
		return u
	}
	u = cloudinaryQuality.ReplaceAllString(u, "q_auto:best")
	u = cloudinaryWidth.ReplaceAllString(u, "w_800")
	u = cloudinaryHeight.ReplaceAllString(u, "h_800")
	return u
}
