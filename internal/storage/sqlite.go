package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"catalog-imager/internal/models"
)

// SQLite is the single-file store used for local runs and tests. All access
// goes through one connection, which serialises transactions.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	const op = "storage.NewSQLite"

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, unavailable(op, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, dialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("storage.Ping", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// catalogs

func (s *SQLite) GetCatalog(ctx context.Context, url string) (models.CatalogEntry, error) {
	const op = "storage.GetCatalog"

	var c models.CatalogEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT url, name, COALESCE(last_scraped_at, ''), total_products, products_with_images
		 FROM catalogs WHERE url = ?`, url).
		Scan(&c.URL, &c.Name, &c.LastScrapedAt, &c.TotalProductCount, &c.ProductsWithImageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%s: %w: %s", op, models.ErrCatalogNotFound, url)
	}
	if err != nil {
		return c, unavailable(op, err)
	}
	return c, nil
}

func (s *SQLite) SaveCatalog(ctx context.Context, res models.ScrapeResult) error {
	const op = "storage.SaveCatalog"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	c := res.Catalog
	_, err = tx.ExecContext(ctx,
		`INSERT INTO catalogs (url, name, last_scraped_at, total_products, products_with_images)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET name = excluded.name, last_scraped_at = excluded.last_scraped_at,
		 total_products = excluded.total_products, products_with_images = excluded.products_with_images`,
		c.URL, c.Name, c.LastScrapedAt, c.TotalProductCount, c.ProductsWithImageCount)
	if err != nil {
		return classifySQLite(op, err, nil, nil)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE catalog_url = ?`, c.URL); err != nil {
		return classifySQLite(op, err, nil, nil)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (catalog_url, position, restaurant_name, name, description, price,
		 price_display, category, image_url, promotion_discount, scraped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`)
	if err != nil {
		return unavailable(op, err)
	}
	defer stmt.Close()

	for i, p := range res.Products {
		var discount sql.NullInt64
		if p.PromotionDiscount != nil {
			discount = sql.NullInt64{Int64: int64(*p.PromotionDiscount), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, c.URL, i, p.RestaurantName, p.Name, p.Description, p.Price,
			p.PriceDisplay, p.Category, p.ImageURL, discount, toMillis(p.ScrapedAt)); err != nil {
			return classifySQLite(op, err, nil, nil)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *SQLite) ListProducts(ctx context.Context, url string) ([]models.Product, error) {
	const op = "storage.ListProducts"

	rows, err := s.db.QueryContext(ctx,
		`SELECT catalog_url, restaurant_name, name, description, price, price_display, category,
		 COALESCE(image_url, ''), promotion_discount, scraped_at
		 FROM products WHERE catalog_url = ? ORDER BY position`, url)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		var discount sql.NullInt64
		var scraped int64
		if err := rows.Scan(&p.CatalogURL, &p.RestaurantName, &p.Name, &p.Description, &p.Price,
			&p.PriceDisplay, &p.Category, &p.ImageURL, &discount, &scraped); err != nil {
			return nil, unavailable(op, err)
		}
		if discount.Valid {
			d := int(discount.Int64)
			p.PromotionDiscount = &d
		}
		p.ScrapedAt = fromMillis(scraped)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// requests

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRequestSQLite(ctx context.Context, q sqlExecer, req models.ProcessingRequest) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO processing_requests (id, catalog_url, requester_email, created_at, total_images,
		 payment_status, watermark_removal_paid) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.CatalogURL, req.RequesterEmail, toMillis(req.CreatedAt), req.TotalImageCount,
		string(req.PaymentStatus), req.WatermarkRemovalPaid)
	return err
}

func (s *SQLite) CreateRequest(ctx context.Context, req models.ProcessingRequest) error {
	const op = "storage.CreateRequest"
	if err := insertRequestSQLite(ctx, s.db, req); err != nil {
		return classifySQLite(op, err, models.ErrDuplicateRequest, nil)
	}
	return nil
}

func (s *SQLite) CreateRequestWithJobs(ctx context.Context, req models.ProcessingRequest, jobs []models.ImageJob) error {
	const op = "storage.CreateRequestWithJobs"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	if err := insertRequestSQLite(ctx, tx, req); err != nil {
		return classifySQLite(op, err, models.ErrDuplicateRequest, nil)
	}
	if _, err := insertJobsSQLite(ctx, tx, jobs); err != nil {
		return classifySQLite(op, err, nil, models.ErrRequestNotFound)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *SQLite) GetRequest(ctx context.Context, id string) (models.ProcessingRequest, error) {
	const op = "storage.GetRequest"

	var r models.ProcessingRequest
	var payment string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, catalog_url, requester_email, created_at, total_images, payment_status, watermark_removal_paid
		 FROM processing_requests WHERE id = ?`, id).
		Scan(&r.ID, &r.CatalogURL, &r.RequesterEmail, &created, &r.TotalImageCount, &payment, &r.WatermarkRemovalPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%s: %w: %s", op, models.ErrRequestNotFound, id)
	}
	if err != nil {
		return r, unavailable(op, err)
	}
	r.CreatedAt = fromMillis(created)
	r.PaymentStatus = models.PaymentStatus(payment)
	return r, nil
}

func (s *SQLite) MarkWatermarkPaid(ctx context.Context, id string) error {
	const op = "storage.MarkWatermarkPaid"

	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_requests SET payment_status = ?, watermark_removal_paid = 1 WHERE id = ?`,
		string(models.PaymentPaid), id)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w: %s", op, models.ErrRequestNotFound, id)
	}
	return nil
}

// jobs

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobSQLite(row rowScanner) (models.ImageJob, error) {
	var j models.ImageJob
	var state string
	var created, updated int64
	err := row.Scan(&j.ID, &j.RequestID, &j.CatalogURL, &j.RestaurantName, &j.ProductName, &j.SourceImageURL,
		&state, &created, &updated, &j.ProcessedImageURL, &j.WatermarkedImageURL,
		&j.ClaimCallbackURL, &j.FailureReason)
	j.State = models.JobState(state)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, err
}

func insertJobsSQLite(ctx context.Context, tx *sql.Tx, jobs []models.ImageJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO image_jobs (id, request_id, catalog_url, restaurant_name, product_name,
		 source_image_url, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, j := range jobs {
		res, err := stmt.ExecContext(ctx, j.ID, j.RequestID, j.CatalogURL, j.RestaurantName, j.ProductName,
			j.SourceImageURL, string(j.State), toMillis(j.CreatedAt), toMillis(j.UpdatedAt))
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *SQLite) InsertJobs(ctx context.Context, jobs []models.ImageJob) (int, error) {
	const op = "storage.InsertJobs"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(op, err)
	}
	defer tx.Rollback()

	n, err := insertJobsSQLite(ctx, tx, jobs)
	if err != nil {
		return 0, classifySQLite(op, err, nil, models.ErrRequestNotFound)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.ImageJob, error) {
	const op = "storage.GetJob"

	job, err := scanJobSQLite(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("%s: %w: %s", op, models.ErrJobNotFound, id)
	}
	if err != nil {
		return job, unavailable(op, err)
	}
	return job, nil
}

func (s *SQLite) ListJobsByRequest(ctx context.Context, requestID string) ([]models.ImageJob, error) {
	return s.listJobs(ctx, "storage.ListJobsByRequest",
		`SELECT `+jobColumns+` FROM image_jobs WHERE request_id = ? ORDER BY created_at, rowid`, requestID)
}

func (s *SQLite) ListPendingJobs(ctx context.Context, limit int) ([]models.ImageJob, error) {
	return s.listJobs(ctx, "storage.ListPendingJobs",
		`SELECT `+jobColumns+` FROM image_jobs WHERE state = ? ORDER BY created_at, rowid LIMIT ?`,
		string(models.JobPending), limit)
}

func (s *SQLite) listJobs(ctx context.Context, op, query string, args ...any) ([]models.ImageJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []models.ImageJob
	for rows.Next() {
		job, err := scanJobSQLite(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// TransitionJob applies t inside a transaction. The single connection makes
// the read and the update atomic with respect to other callers.
func (s *SQLite) TransitionJob(ctx context.Context, id string, t models.Transition) (models.ImageJob, error) {
	const op = "storage.TransitionJob"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ImageJob{}, unavailable(op, err)
	}
	defer tx.Rollback()

	job, err := scanJobSQLite(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job, fmt.Errorf("%s: %w: %s", op, models.ErrJobNotFound, id)
	}
	if err != nil {
		return job, unavailable(op, err)
	}
	if !t.Allows(job.State) {
		return job, fmt.Errorf("%s: %w: job %s is %s", op, models.ErrInvalidTransition, id, job.State)
	}

	next := t.Apply(job)
	_, err = tx.ExecContext(ctx,
		`UPDATE image_jobs SET state = ?, updated_at = ?, claim_callback_url = NULLIF(?, ''),
		 processed_image_url = NULLIF(?, ''), watermarked_image_url = NULLIF(?, ''), failure_reason = NULLIF(?, '')
		 WHERE id = ?`,
		string(next.State), toMillis(next.UpdatedAt), next.ClaimCallbackURL,
		next.ProcessedImageURL, next.WatermarkedImageURL, next.FailureReason, id)
	if err != nil {
		return job, unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return job, unavailable(op, err)
	}
	return next, nil
}
