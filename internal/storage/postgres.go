// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"catalog-imager/internal/models"
)

type Postgres struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	const op = "storage.NewPostgres"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable(op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, dialectPostgres); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{pool: pool, db: db}, nil
}

func (s *Postgres) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("storage.Ping", err)
	}
	return nil
}

// catalogs

func (s *Postgres) GetCatalog(ctx context.Context, url string) (models.CatalogEntry, error) {
	const op = "storage.GetCatalog"

	var c models.CatalogEntry
	err := s.pool.QueryRow(ctx,
		`SELECT url, name, COALESCE(last_scraped_at, ''), total_products, products_with_images
		 FROM catalogs WHERE url = $1`, url).
		Scan(&c.URL, &c.Name, &c.LastScrapedAt, &c.TotalProductCount, &c.ProductsWithImageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("%s: %w: %s", op, models.ErrCatalogNotFound, url)
	}
	if err != nil {
		return c, unavailable(op, err)
	}
	return c, nil
}

// SaveCatalog replaces the catalog row and its whole product list.
func (s *Postgres) SaveCatalog(ctx context.Context, res models.ScrapeResult) error {
	const op = "storage.SaveCatalog"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	c := res.Catalog
	_, err = tx.Exec(ctx,
		`INSERT INTO catalogs (url, name, last_scraped_at, total_products, products_with_images)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, last_scraped_at = EXCLUDED.last_scraped_at,
		 total_products = EXCLUDED.total_products, products_with_images = EXCLUDED.products_with_images`,
		c.URL, c.Name, c.LastScrapedAt, c.TotalProductCount, c.ProductsWithImageCount)
	if err != nil {
		return classifyPg(op, err, nil, nil)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM products WHERE catalog_url = $1`, c.URL); err != nil {
		return classifyPg(op, err, nil, nil)
	}

	b := &pgx.Batch{}
	for i, p := range res.Products {
		b.Queue(`INSERT INTO products (catalog_url, position, restaurant_name, name, description, price,
			price_display, category, image_url, promotion_discount, scraped_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
			c.URL, i, p.RestaurantName, p.Name, p.Description, p.Price,
			p.PriceDisplay, p.Category, p.ImageURL, p.PromotionDiscount, p.ScrapedAt)
	}
	if _, err := execBatch(ctx, tx, b); err != nil {
		return classifyPg(op, err, nil, nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *Postgres) ListProducts(ctx context.Context, url string) ([]models.Product, error) {
	const op = "storage.ListProducts"

	rows, err := s.pool.Query(ctx,
		`SELECT catalog_url, restaurant_name, name, description, price, price_display, category,
		 COALESCE(image_url, ''), promotion_discount, scraped_at
		 FROM products WHERE catalog_url = $1 ORDER BY position`, url)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.CatalogURL, &p.RestaurantName, &p.Name, &p.Description, &p.Price,
			&p.PriceDisplay, &p.Category, &p.ImageURL, &p.PromotionDiscount, &p.ScrapedAt); err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// requests

func (s *Postgres) CreateRequest(ctx context.Context, req models.ProcessingRequest) error {
	const op = "storage.CreateRequest"
	if err := insertRequestPg(ctx, s.pool, req); err != nil {
		return classifyPg(op, err, models.ErrDuplicateRequest, nil)
	}
	return nil
}

// CreateRequestWithJobs writes the request and its jobs atomically.
func (s *Postgres) CreateRequestWithJobs(ctx context.Context, req models.ProcessingRequest, jobs []models.ImageJob) error {
	const op = "storage.CreateRequestWithJobs"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	if err := insertRequestPg(ctx, tx, req); err != nil {
		return classifyPg(op, err, models.ErrDuplicateRequest, nil)
	}
	if _, err := insertJobsPg(ctx, tx, jobs); err != nil {
		return classifyPg(op, err, nil, models.ErrRequestNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *Postgres) GetRequest(ctx context.Context, id string) (models.ProcessingRequest, error) {
	const op = "storage.GetRequest"

	var r models.ProcessingRequest
	var payment string
	err := s.pool.QueryRow(ctx,
		`SELECT id, catalog_url, requester_email, created_at, total_images, payment_status, watermark_removal_paid
		 FROM processing_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.CatalogURL, &r.RequesterEmail, &r.CreatedAt, &r.TotalImageCount, &payment, &r.WatermarkRemovalPaid)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%s: %w: %s", op, models.ErrRequestNotFound, id)
	}
	if err != nil {
		return r, unavailable(op, err)
	}
	r.PaymentStatus = models.PaymentStatus(payment)
	return r, nil
}

func (s *Postgres) MarkWatermarkPaid(ctx context.Context, id string) error {
	const op = "storage.MarkWatermarkPaid"

	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_requests SET payment_status = $2, watermark_removal_paid = TRUE WHERE id = $1`,
		id, string(models.PaymentPaid))
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: %s", op, models.ErrRequestNotFound, id)
	}
	return nil
}

// jobs

const jobColumns = `id, request_id, catalog_url, restaurant_name, product_name, source_image_url, state,
	created_at, updated_at, COALESCE(processed_image_url, ''), COALESCE(watermarked_image_url, ''),
	COALESCE(claim_callback_url, ''), COALESCE(failure_reason, '')`

func scanJobPg(row pgx.Row) (models.ImageJob, error) {
	var j models.ImageJob
	var state string
	err := row.Scan(&j.ID, &j.RequestID, &j.CatalogURL, &j.RestaurantName, &j.ProductName, &j.SourceImageURL,
		&state, &j.CreatedAt, &j.UpdatedAt, &j.ProcessedImageURL, &j.WatermarkedImageURL,
		&j.ClaimCallbackURL, &j.FailureReason)
	j.State = models.JobState(state)
	return j, err
}

// InsertJobs inserts jobs that do not exist yet and reports how many were new.
func (s *Postgres) InsertJobs(ctx context.Context, jobs []models.ImageJob) (int, error) {
	const op = "storage.InsertJobs"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	n, err := insertJobsPg(ctx, tx, jobs)
	if err != nil {
		return 0, classifyPg(op, err, nil, models.ErrRequestNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable(op, err)
	}
	return n, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.ImageJob, error) {
	const op = "storage.GetJob"

	job, err := scanJobPg(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job, fmt.Errorf("%s: %w: %s", op, models.ErrJobNotFound, id)
	}
	if err != nil {
		return job, unavailable(op, err)
	}
	return job, nil
}

func (s *Postgres) ListJobsByRequest(ctx context.Context, requestID string) ([]models.ImageJob, error) {
	return s.listJobs(ctx, "storage.ListJobsByRequest",
		`SELECT `+jobColumns+` FROM image_jobs WHERE request_id = $1 ORDER BY created_at, seq`, requestID)
}

// ListPendingJobs returns the oldest pending jobs first.
func (s *Postgres) ListPendingJobs(ctx context.Context, limit int) ([]models.ImageJob, error) {
	return s.listJobs(ctx, "storage.ListPendingJobs",
		`SELECT `+jobColumns+` FROM image_jobs WHERE state = $1 ORDER BY created_at, seq LIMIT $2`,
		string(models.JobPending), limit)
}

func (s *Postgres) listJobs(ctx context.Context, op, query string, args ...any) ([]models.ImageJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []models.ImageJob
	for rows.Next() {
		job, err := scanJobPg(rows)
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

// TransitionJob applies t to the job under a row lock. When the job is not in
// one of t.From the current row is returned with ErrInvalidTransition.
func (s *Postgres) TransitionJob(ctx context.Context, id string, t models.Transition) (models.ImageJob, error) {
	const op = "storage.TransitionJob"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.ImageJob{}, unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJobPg(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job, fmt.Errorf("%s: %w: %s", op, models.ErrJobNotFound, id)
	}
	if err != nil {
		return job, unavailable(op, err)
	}
	if !t.Allows(job.State) {
		return job, fmt.Errorf("%s: %w: job %s is %s", op, models.ErrInvalidTransition, id, job.State)
	}

	next := t.Apply(job)
	_, err = tx.Exec(ctx,
		`UPDATE image_jobs SET state = $2, updated_at = $3, claim_callback_url = NULLIF($4, ''),
		 processed_image_url = NULLIF($5, ''), watermarked_image_url = NULLIF($6, ''), failure_reason = NULLIF($7, '')
		 WHERE id = $1`,
		id, string(next.State), next.UpdatedAt, next.ClaimCallbackURL,
		next.ProcessedImageURL, next.WatermarkedImageURL, next.FailureReason)
	if err != nil {
		return job, unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return job, unavailable(op, err)
	}
	return next, nil
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func insertRequestPg(ctx context.Context, q pgQuerier, req models.ProcessingRequest) error {
	_, err := q.Exec(ctx,
		`INSERT INTO processing_requests (id, catalog_url, requester_email, created_at, total_images,
		 payment_status, watermark_removal_paid) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.CatalogURL, req.RequesterEmail, req.CreatedAt, req.TotalImageCount,
		string(req.PaymentStatus), req.WatermarkRemovalPaid)
	return err
}

func insertJobsPg(ctx context.Context, q pgQuerier, jobs []models.ImageJob) (int, error) {
	b := &pgx.Batch{}
	for _, j := range jobs {
		b.Queue(`INSERT INTO image_jobs (id, request_id, catalog_url, restaurant_name, product_name,
			source_image_url, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			j.ID, j.RequestID, j.CatalogURL, j.RestaurantName, j.ProductName,
			j.SourceImageURL, string(j.State), j.CreatedAt, j.UpdatedAt)
	}
	n, err := execBatch(ctx, q, b)
	return int(n), err
}

// execBatch runs every queued statement and sums the affected rows.
func execBatch(ctx context.Context, q pgQuerier, b *pgx.Batch) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	br := q.SendBatch(ctx, b)
	var affected int64
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return affected, err
		}
		affected += tag.RowsAffected()
	}
	return affected, br.Close()
}
