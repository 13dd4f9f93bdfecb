package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"catalog-imager/internal/models"
	"catalog-imager/internal/storage"
)

const testCatalogURL = "https://glovoapp.com/es/es/madrid/pizza-place/"

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func testProducts(n int) []models.Product {
	out := make([]models.Product, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, models.Product{
			CatalogURL: testCatalogURL,
			Name:       fmt.Sprintf("Pizza %d", i),
			ImageURL:   fmt.Sprintf("http://x/%d.jpg", i),
		})
	}
	return out
}

func testCatalog() models.CatalogEntry {
	return models.CatalogEntry{URL: testCatalogURL, Name: "Pizza Place"}
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.ImageJob
}

func (n *recordingNotifier) NotifyJob(_ context.Context, job models.ImageJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

type fakeScraper struct {
	mu    sync.Mutex
	res   *models.ScrapeResult
	err   error
	calls int
}

func (f *fakeScraper) FetchCatalog(_ context.Context, url string) (*models.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.Products = append([]models.Product(nil), f.res.Products...)
	return &res, nil
}

func (f *fakeScraper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnnouncer struct {
	mu   sync.Mutex
	sent []models.JobDescriptor
	err  error
}

func (a *fakeAnnouncer) Announce(_ context.Context, jobs []models.JobDescriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, jobs...)
	return a.err
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	unlocked []string
}

func (l *fakeLocker) Lock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.unlocked = append(l.unlocked, key)
	return nil
}

// engine bundles the services over one store the way main wires them.
type engine struct {
	store      *storage.SQLite
	lifecycle  *Lifecycle
	aggregator *Aggregator
	gateway    *Gateway
	notifier   *recordingNotifier
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	lc := NewLifecycle(store, notifier)
	agg := NewAggregator(store, store, "http://api.test/")
	agg.newID = sequentialIDs("req")
	return &engine{
		store:      store,
		lifecycle:  lc,
		aggregator: agg,
		gateway:    NewGateway(lc, store, GatewayConfig{PublicBaseURL: "http://api.test", DefaultLimit: 5, MaxLimit: 50}),
		notifier:   notifier,
	}
}

// seed registers a request and fans n products into jobs.
func (e *engine) seed(t *testing.T, n int) (models.ProcessingRequest, []models.ImageJob) {
	t.Helper()
	ctx := context.Background()
	req, err := e.aggregator.RegisterRequest(ctx, testCatalogURL, "a@b.com", n)
	require.NoError(t, err)
	jobs, err := e.lifecycle.CreateJobs(ctx, req.ID, testCatalog(), testProducts(n))
	require.NoError(t, err)
	require.Len(t, jobs, n)
	return req, jobs
}

func (e *engine) finish(t *testing.T, jobID, processed, watermarked string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.lifecycle.Claim(ctx, jobID, "http://worker/cb")
	require.NoError(t, err)
	_, err = e.lifecycle.Complete(ctx, jobID, processed, watermarked)
	require.NoError(t, err)
}
