package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-reconciler/internal/batches"
	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
)

type countingChecker struct {
	calls []string
}

func (c *countingChecker) Check(_ context.Context, batchID string) (batches.Result, error) {
	c.calls = append(c.calls, batchID)
	return batches.Result{}, nil
}

func newLifecycle(st *memstore.Store) (*Lifecycle, *countingChecker) {
	checker := &countingChecker{}
	return New(st, checker, 2, slog.New(slog.NewTextHandler(io.Discard, nil))), checker
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(models.JobPending, models.JobProcessing))
	assert.True(t, CanTransition(models.JobProcessing, models.JobProcessing))
	assert.True(t, CanTransition(models.JobProcessing, models.JobPending))
	assert.False(t, CanTransition(models.JobPending, models.JobCompleted))
	for _, terminal := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobCancelled} {
		for _, to := range []models.JobStatus{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed, models.JobCancelled} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestGrabThenComplete(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	l, checker := newLifecycle(st)

	job, err := l.Create(ctx, CreateRequest{Artist: "Radiohead", Album: "OK Computer", TargetMBID: "mbid-1", BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "Radiohead - OK Computer", job.Subject)

	applied, err := l.Grab(ctx, job, "dl-1", "", "")
	require.NoError(t, err)
	require.True(t, applied)

	job, err = l.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, "dl-1", job.DownloadRef)
	assert.Empty(t, checker.calls, "non-terminal transitions do not check the batch")

	applied, err = l.Complete(ctx, job, "event")
	require.NoError(t, err)
	require.True(t, applied)

	job, err = l.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, []string{"b1"}, checker.calls)
}

func TestLostGuardIsNoop(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	l, checker := newLifecycle(st)
	st.PutJob(models.DownloadJob{ID: "j1", Status: models.JobProcessing, BatchID: "b1"})

	stale, err := l.Get(ctx, "j1")
	require.NoError(t, err)
	_, err = l.Cancel(ctx, stale, "removed")
	require.NoError(t, err)

	applied, err := l.Complete(ctx, stale, "event")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, checker.calls, 1, "only the applied cancel checks the batch")
}

func TestCompleteFromTerminalIsInvalid(t *testing.T) {
	st := memstore.New()
	l, _ := newLifecycle(st)
	job := models.DownloadJob{ID: "j1", Status: models.JobFailed}
	st.PutJob(job)

	_, err := l.Complete(context.Background(), job, "event")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCompleteManyChecksEachBatchOnce(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	l, checker := newLifecycle(st)
	st.PutJob(models.DownloadJob{ID: "a", Status: models.JobProcessing, BatchID: "b1"})
	st.PutJob(models.DownloadJob{ID: "b", Status: models.JobProcessing, BatchID: "b1"})
	st.PutJob(models.DownloadJob{ID: "c", Status: models.JobProcessing, BatchID: "b2"})
	st.PutJob(models.DownloadJob{ID: "d", Status: models.JobFailed, BatchID: "b3"})

	done, err := l.CompleteMany(ctx, []string{"a", "b", "c", "d"}, "catalog")
	require.NoError(t, err)
	assert.Len(t, done, 3)
	assert.ElementsMatch(t, []string{"b1", "b2"}, checker.calls)
}

func TestRecordFailureRetriesUntilCeiling(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	l, _ := newLifecycle(st)
	st.PutJob(models.DownloadJob{ID: "j1", Status: models.JobProcessing, DownloadRef: "dl", Metadata: map[string]any{models.MetaLastError: "old"}, CreatedAt: time.Now()})

	for want := 1; want <= 2; want++ {
		job, err := l.RecordFailure(ctx, "j1", "release blocklisted", true)
		require.NoError(t, err)
		assert.Equal(t, models.JobProcessing, job.Status)
		assert.Equal(t, want, job.RetryCount())
		assert.Empty(t, job.LastError())
		assert.Empty(t, job.DownloadRef)
	}

	job, err := l.RecordFailure(ctx, "j1", "release blocklisted", true)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.LastError(), "gave up after 2 retries")

	_, err = l.RecordFailure(ctx, "j1", "again", true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordFailureNonRecoverableFails(t *testing.T) {
	st := memstore.New()
	l, _ := newLifecycle(st)
	st.PutJob(models.DownloadJob{ID: "j1", Status: models.JobPending})

	job, err := l.RecordFailure(context.Background(), "j1", "no release found", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "no release found", job.LastError())
}
