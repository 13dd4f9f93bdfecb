package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-imager/internal/models"
)

func TestProgress(t *testing.T) {
	assert.Equal(t, 0.0, Progress(0, 0))
	assert.Equal(t, 0.0, Progress(3, 0))
	assert.Equal(t, 33.3, Progress(1, 3))
	assert.Equal(t, 66.7, Progress(2, 3))
	assert.Equal(t, 100.0, Progress(3, 3))
	assert.Equal(t, 12.5, Progress(1, 8))
}

func TestAggregator_ScenarioA_AllPending(t *testing.T) {
	e := newEngine(t)
	req, _ := e.seed(t, 3)

	status, err := e.aggregator.ComputeStatus(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, map[models.JobState]int{
		models.JobPending: 3, models.JobClaimed: 0, models.JobCompleted: 0, models.JobFailed: 0,
	}, status.JobStatus)
	assert.Equal(t, 0.0, status.ProgressPercentage)
	assert.Empty(t, status.CompletedImages)
	assert.Equal(t, 3, status.TotalImages)
	assert.Equal(t, "a@b.com", status.RequesterEmail)
}

func TestAggregator_ScenarioB_OneCompleted(t *testing.T) {
	e := newEngine(t)
	req, jobs := e.seed(t, 3)
	e.finish(t, jobs[0].ID, "http://cdn/p1", "http://cdn/w1")

	status, err := e.aggregator.ComputeStatus(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, status.CompletedImages, 1)
	assert.Equal(t, models.CompletedImage{
		JobID: jobs[0].ID, ProductName: "Pizza 1", ProcessedURL: "http://cdn/p1", WatermarkedURL: "http://cdn/w1",
	}, status.CompletedImages[0])
	assert.Equal(t, 33.3, status.ProgressPercentage)
	assert.Equal(t, 1, status.JobStatus[models.JobCompleted])
	assert.Equal(t, 2, status.JobStatus[models.JobPending])
}

func TestAggregator_ScenarioC_IncompleteDownload(t *testing.T) {
	e := newEngine(t)
	req, jobs := e.seed(t, 3)
	e.finish(t, jobs[0].ID, "http://cdn/p1", "http://cdn/w1")
	e.finish(t, jobs[1].ID, "http://cdn/p2", "http://cdn/w2")

	_, err := e.aggregator.BuildDownloadPackage(context.Background(), req.ID, true)
	require.ErrorIs(t, err, models.ErrIncompleteProcessing)
}

func TestAggregator_ScenarioD_PremiumNeedsPayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	req, jobs := e.seed(t, 2)
	e.finish(t, jobs[0].ID, "http://cdn/p1", "http://cdn/w1")
	e.finish(t, jobs[1].ID, "http://cdn/p2", "http://cdn/w2")

	_, err := e.aggregator.BuildDownloadPackage(ctx, req.ID, false)
	require.ErrorIs(t, err, models.ErrPaymentRequired)

	pkg, err := e.aggregator.BuildDownloadPackage(ctx, req.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadWatermarked, pkg.DownloadType)
	assert.Equal(t, "http://cdn/w1", pkg.Images[0].DownloadURL)

	require.NoError(t, e.aggregator.ConfirmWatermarkRemoval(ctx, req.ID))

	pkg, err = e.aggregator.BuildDownloadPackage(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadPremium, pkg.DownloadType)
	assert.Equal(t, 2, pkg.TotalImages)
	assert.Equal(t, models.DownloadItem{
		DisplayName: "Pizza 1", DownloadURL: "http://cdn/p1", SuggestedFilename: "Pizza_1.jpg",
	}, pkg.Images[0])
	assert.Equal(t, "http://api.test/download/zip/"+req.ID+"?type=premium", pkg.ZipDownloadURL)
}

func TestAggregator_FailedJobBlocksDownload(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	req, jobs := e.seed(t, 2)
	e.finish(t, jobs[0].ID, "http://cdn/p1", "http://cdn/w1")
	_, err := e.lifecycle.Claim(ctx, jobs[1].ID, "http://cb")
	require.NoError(t, err)
	_, err = e.lifecycle.Fail(ctx, jobs[1].ID, "boom")
	require.NoError(t, err)

	status, err := e.aggregator.ComputeStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, status.ProgressPercentage)
	assert.Equal(t, 1, status.JobStatus[models.JobFailed])

	_, err = e.aggregator.BuildDownloadPackage(ctx, req.ID, true)
	assert.ErrorIs(t, err, models.ErrIncompleteProcessing)
}

func TestAggregator_ZeroImages(t *testing.T) {
	e := newEngine(t)
	req, err := e.aggregator.RegisterRequest(context.Background(), testCatalogURL, "a@b.com", 0)
	require.NoError(t, err)

	status, err := e.aggregator.ComputeStatus(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, status.ProgressPercentage)
}

func TestAggregator_ProgressIsMonotonic(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	req, jobs := e.seed(t, 4)

	last := -1.0
	check := func() {
		status, err := e.aggregator.ComputeStatus(ctx, req.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.ProgressPercentage, last)
		last = status.ProgressPercentage
	}

	check()
	for i, j := range jobs {
		_, err := e.lifecycle.Claim(ctx, j.ID, "http://cb")
		require.NoError(t, err)
		check()
		if i == 2 {
			_, err = e.lifecycle.Fail(ctx, j.ID, "boom")
		} else {
			_, err = e.lifecycle.Complete(ctx, j.ID, "http://cdn/p", "http://cdn/w")
		}
		require.NoError(t, err)
		check()
		// late duplicates never move progress back
		_, _ = e.lifecycle.Fail(ctx, j.ID, "late")
		_, _ = e.lifecycle.Claim(ctx, j.ID, "http://late")
		check()
	}
	assert.Equal(t, 75.0, last)
}

func TestAggregator_RegisterRequestDuplicate(t *testing.T) {
	e := newEngine(t)
	e.aggregator.newID = func() string { return "same" }
	ctx := context.Background()

	_, err := e.aggregator.RegisterRequest(ctx, testCatalogURL, "a@b.com", 1)
	require.NoError(t, err)
	_, err = e.aggregator.RegisterRequest(ctx, testCatalogURL, "a@b.com", 1)
	require.ErrorIs(t, err, models.ErrDuplicateRequest)
}

func TestAggregator_RegisterRequestValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.aggregator.RegisterRequest(ctx, "", "a@b.com", 1)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = e.aggregator.RegisterRequest(ctx, testCatalogURL, "a@b.com", -1)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestAggregator_UnknownRequest(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.aggregator.ComputeStatus(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
	_, err = e.aggregator.BuildDownloadPackage(ctx, "nope", true)
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
	assert.ErrorIs(t, e.aggregator.ConfirmWatermarkRemoval(ctx, "nope"), models.ErrRequestNotFound)
}

func TestAggregator_GetDownloadPackageType(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	req, jobs := e.seed(t, 1)
	e.finish(t, jobs[0].ID, "http://cdn/p1", "http://cdn/w1")

	pkg, err := e.aggregator.GetDownloadPackage(ctx, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.DownloadWatermarked, pkg.DownloadType)

	_, err = e.aggregator.GetDownloadPackage(ctx, req.ID, "premium")
	assert.ErrorIs(t, err, models.ErrPaymentRequired)

	_, err = e.aggregator.GetDownloadPackage(ctx, req.ID, "raw")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
