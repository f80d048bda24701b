package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-reconciler/internal/acquisition"
	"media-reconciler/internal/batches"
	"media-reconciler/internal/jobs"
	"media-reconciler/internal/ledger"
	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingChecker struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingChecker) Check(_ context.Context, batchID string) (batches.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, batchID)
	return batches.Result{}, nil
}

type fakeAcquisition struct {
	mu      sync.Mutex
	items   []acquisition.QueueItem
	err     error
	removed []int
}

func (f *fakeAcquisition) Queue(context.Context) ([]acquisition.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]acquisition.QueueItem(nil), f.items...), f.err
}

func (f *fakeAcquisition) RemoveAndBlocklist(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type harness struct {
	store   *memstore.Store
	ledger  *ledger.Ledger
	checker *countingChecker
	rec     *Reconciler
	now     time.Time
}

func newHarness(t *testing.T, acq Acquisition) *harness {
	t.Helper()
	h := &harness{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.store = memstore.New(memstore.WithClock(clock))
	h.ledger = ledger.New(h.store, discard, ledger.WithClock(clock))
	h.checker = &countingChecker{}
	lc := jobs.New(h.store, h.checker, 2, discard, jobs.WithClock(clock))
	opts := []Option{WithClock(clock)}
	if acq != nil {
		opts = append(opts, WithAcquisition(acq))
	}
	h.rec = New(h.store, h.ledger, lc, Settings{
		StepTimeout:     time.Second,
		BatchSize:       2,
		FuzzyThreshold:  0.75,
		VanishGrace:     10 * time.Minute,
		EventMaxRetries: 3,
	}, discard, opts...)
	return h
}

func (h *harness) putJob(id string, status models.JobStatus, mbid, ref, batch, artist, album string) {
	meta := map[string]any{models.MetaRetryCount: 0}
	if artist != "" {
		meta[models.MetaArtist] = artist
	}
	if album != "" {
		meta[models.MetaAlbum] = album
	}
	h.store.PutJob(models.DownloadJob{
		ID:          id,
		Status:      status,
		Subject:     artist + " - " + album,
		TargetMBID:  mbid,
		DownloadRef: ref,
		BatchID:     batch,
		Metadata:    meta,
		CreatedAt:   h.now.Add(-time.Hour),
	})
}

func (h *harness) job(t *testing.T, id string) models.DownloadJob {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestDownloadEventCompletesJobByAlbumID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("job-1", models.JobProcessing, "mbid-123", "", "batch-1", "", "")

	ev, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventDownload, map[string]any{
		"eventType": "Download",
		"album":     map[string]any{"title": "Some Album", "foreignAlbumId": "mbid-123"},
	}, "")
	require.NoError(t, err)

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventsHandled)

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, []string{"batch-1"}, h.checker.calls)

	stored, ok := h.store.Event(ev.ID)
	require.True(t, ok)
	assert.True(t, stored.Processed)
	assert.Equal(t, "job-1", stored.CorrelationID)
}

func TestGrabThenDownloadByRef(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("job-1", models.JobPending, "mbid-9", "", "", "", "")

	_, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventGrab, map[string]any{
		"eventType":  "Grab",
		"downloadId": "DL-9",
		"artist":     map[string]any{"name": "Portishead"},
		"albums":     []any{map[string]any{"title": "Dummy", "foreignAlbumId": "mbid-9"}},
	}, "")
	require.NoError(t, err)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, "DL-9", job.DownloadRef)
	assert.Equal(t, "Portishead", job.Artist())
	assert.Equal(t, "Dummy", job.Album())

	_, _, err = h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventDownload, map[string]any{
		"eventType":  "Download",
		"downloadId": "DL-9",
	}, "")
	require.NoError(t, err)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, h.job(t, "job-1").Status)
	assert.Empty(t, h.checker.calls)
}

func TestDownloadForPendingJobGrabsFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("job-1", models.JobPending, "mbid-5", "", "", "", "")

	_, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventDownload, map[string]any{
		"eventType":  "Download",
		"downloadId": "DL-5",
		"album":      map[string]any{"title": "X", "foreignAlbumId": "mbid-5"},
	}, "")
	require.NoError(t, err)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "DL-5", job.DownloadRef)
}

func TestEventMatchedByName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("job-1", models.JobProcessing, "", "", "", "The Beatles", "Abbey Road")

	_, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventImportFailure, map[string]any{
		"eventType": "ImportFailure",
		"artist":    map[string]any{"name": "the beatles"},
		"album":     map[string]any{"title": "Abbey Road (Remastered)"},
		"message":   "missing tracks",
	}, "")
	require.NoError(t, err)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "import failed: missing tracks", job.LastError())
}

func TestDownloadFailureRetriesUnderCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("job-1", models.JobProcessing, "", "DL-1", "", "A", "B")

	_, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventDownloadFailure, map[string]any{
		"eventType":  "DownloadFailure",
		"downloadId": "DL-1",
	}, "")
	require.NoError(t, err)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 1, job.RetryCount())
	assert.Empty(t, job.DownloadRef)
}

func TestUnresolvableEventIsRetriedThenSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	ev, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventDownload, map[string]any{
		"eventType":  "Download",
		"downloadId": "ghost",
	}, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = h.rec.Run(ctx)
		require.NoError(t, err)
	}
	stored, ok := h.store.Event(ev.ID)
	require.True(t, ok)
	assert.False(t, stored.Processed)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Contains(t, stored.Error, ErrNoMatchingJob.Error())
}

func TestTestAndUnknownEventsAreProcessed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	testEv, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, models.EventTest, map[string]any{"eventType": "Test"}, "")
	require.NoError(t, err)
	odd, _, err := h.ledger.StoreEvent(ctx, models.SourceLidarr, "Rename", map[string]any{"eventType": "Rename"}, "")
	require.NoError(t, err)

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EventsHandled)
	for _, id := range []string{testEv.ID, odd.ID} {
		stored, _ := h.store.Event(id)
		assert.True(t, stored.Processed)
	}
}

func TestCatalogCompletesInBatchesAndChecksEachBatchOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJob("j1", models.JobProcessing, "", "", "b1", "Radiohead", "OK Computer")
	h.putJob("j2", models.JobProcessing, "", "", "b1", "Radiohead", "Kid A")
	h.putJob("j3", models.JobProcessing, "", "", "b1", "Bjork", "Homogenic")
	h.putJob("j4", models.JobProcessing, "mbid-4", "", "", "", "")
	h.putJob("j5", models.JobProcessing, "", "", "", "Nobody", "Nothing")
	require.NoError(t, h.store.AddCatalogAlbum(ctx, models.CatalogAlbum{ID: "c1", Artist: "radiohead", Title: "ok computer"}))
	require.NoError(t, h.store.AddCatalogAlbum(ctx, models.CatalogAlbum{ID: "c2", Artist: "Radiohead", Title: "Kid A (Deluxe)"}))
	require.NoError(t, h.store.AddCatalogAlbum(ctx, models.CatalogAlbum{ID: "c3", Artist: "Björk", Title: "Homogenic"}))
	require.NoError(t, h.store.AddCatalogAlbum(ctx, models.CatalogAlbum{ID: "c4", Artist: "X", Title: "Y", MBID: "mbid-4"}))

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Completed)
	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		job := h.job(t, id)
		assert.Equal(t, models.JobCompleted, job.Status, id)
		assert.Equal(t, "catalog", job.Metadata[models.MetaResolvedBy])
	}
	assert.Equal(t, models.JobProcessing, h.job(t, "j5").Status)
	// j1 and j2 share the first write, j3 the second: b1 is checked once per write.
	assert.Equal(t, []string{"b1", "b1"}, h.checker.calls)
}

func TestVanishedJobStampedThenCancelledAfterGrace(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquisition{items: []acquisition.QueueItem{{ID: 1, DownloadID: "DL-present"}}}
	h := newHarness(t, acq)
	h.putJob("present", models.JobProcessing, "", "DL-present", "", "A", "One")
	h.putJob("gone", models.JobProcessing, "", "DL-gone", "", "B", "Two")

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Touched)
	assert.Equal(t, 1, stats.Vanished)
	_, marked := h.job(t, "gone").VanishedAt()
	assert.True(t, marked)
	assert.True(t, h.now.Equal(h.job(t, "present").UpdatedAt))

	h.now = h.now.Add(5 * time.Minute)
	_, err = h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, h.job(t, "gone").Status)

	h.now = h.now.Add(6 * time.Minute)
	stats, err = h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
	gone := h.job(t, "gone")
	assert.Equal(t, models.JobCancelled, gone.Status)
	assert.Equal(t, "removed from acquisition queue", gone.LastError())
}

func TestVanishedJobFoundInCatalogCompletesInsteadOfCancel(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquisition{}
	h := newHarness(t, acq)
	h.putJob("gone", models.JobProcessing, "", "DL-gone", "", "Low", "Double Negative")
	require.NoError(t, h.store.AddCatalogAlbum(ctx, models.CatalogAlbum{ID: "c1", Artist: "Low", Title: "Double Negative"}))

	job := h.job(t, "gone")
	job.Metadata[models.MetaVanishedAt] = h.now.Add(-time.Hour).Format(time.RFC3339Nano)
	h.store.PutJob(job)

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Cancelled)
	assert.Equal(t, models.JobCompleted, h.job(t, "gone").Status)
}

func TestQueueFailureDegradesToNoResult(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquisition{err: errors.New("connection refused")}
	h := newHarness(t, acq)
	h.putJob("j1", models.JobProcessing, "", "DL-1", "", "A", "B")

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Vanished)
	_, marked := h.job(t, "j1").VanishedAt()
	assert.False(t, marked)
}

func TestStalledDownloadBlocklistedAndRetried(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquisition{items: []acquisition.QueueItem{
		{ID: 10, DownloadID: "DL-1", Title: "A - B", TrackedDownloadState: "importBlocked"},
		{ID: 11, DownloadID: "DL-other", Title: "Massive Attack - Mezzanine (1998) [FLAC]", TrackedDownloadStatus: "error", ErrorMessage: "no files"},
		{ID: 12, DownloadID: "DL-3", Title: "C - D", TrackedDownloadState: "downloading"},
	}}
	h := newHarness(t, acq)
	h.putJob("by-ref", models.JobProcessing, "", "DL-1", "", "A", "B")
	h.putJob("by-label", models.JobProcessing, "", "DL-2", "", "Massive Attack", "Mezzanine")
	h.putJob("healthy", models.JobProcessing, "", "DL-3", "", "C", "D")

	stats, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Stalled)
	assert.ElementsMatch(t, []int{10, 11}, acq.removed)

	for _, id := range []string{"by-ref", "by-label"} {
		job := h.job(t, id)
		assert.Equal(t, models.JobProcessing, job.Status, id)
		assert.Equal(t, 1, job.RetryCount(), id)
		assert.Empty(t, job.DownloadRef, id)
	}
	assert.Equal(t, 0, h.job(t, "healthy").RetryCount())
}

func TestStalledAtCeilingFails(t *testing.T) {
	ctx := context.Background()
	acq := &fakeAcquisition{items: []acquisition.QueueItem{
		{ID: 10, DownloadID: "DL-1", Title: "A - B", TrackedDownloadState: "importFailed"},
	}}
	h := newHarness(t, acq)
	h.putJob("j1", models.JobProcessing, "", "DL-1", "", "A", "B")
	job := h.job(t, "j1")
	job.Metadata[models.MetaRetryCount] = 2
	h.store.PutJob(job)

	_, err := h.rec.Run(ctx)
	require.NoError(t, err)
	job = h.job(t, "j1")
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.LastError(), "gave up after 2 retries")
}

func TestIdlePassReportsInactive(t *testing.T) {
	h := newHarness(t, &fakeAcquisition{})
	active, err := h.rec.Pass(context.Background())
	require.NoError(t, err)
	assert.False(t, active)

	// Requested but not yet grabbed: its webhooks have not arrived, so the cycle must keep polling.
	h.putJob("j0", models.JobPending, "mbid-0", "", "", "A", "B")
	stats, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Zero(t, stats.InFlight)
	assert.True(t, stats.Active())

	h.putJob("j1", models.JobProcessing, "", "", "", "A", "B")
	active, err = h.rec.Pass(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
}
