package batches

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

	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channel+" "+message)
	return f.err
}

func seedBatch(t *testing.T, st *memstore.Store, created time.Time, statuses ...models.JobStatus) {
	t.Helper()
	_, err := st.CreateBatch(context.Background(), models.DiscoveryBatch{ID: "b1", TargetCount: len(statuses), CreatedAt: created})
	require.NoError(t, err)
	for i, s := range statuses {
		st.PutJob(models.DownloadJob{ID: string(rune('a' + i)), Status: s, BatchID: "b1", CreatedAt: created})
	}
}

func TestCheckCompletesOnceWhenAllTerminal(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	st := memstore.New()
	seedBatch(t, st, now, models.JobCompleted, models.JobFailed, models.JobCancelled)
	pub := &fakePublisher{}
	e := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), WithPublisher(pub, "catalog:scan"))

	res, err := e.Check(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, ReasonAllTerminal, res.Reason)
	assert.Equal(t, 1, res.Batch.CompletedCount)
	assert.Equal(t, 2, res.Batch.FailedCount)

	again, err := e.Check(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, again.Completed)
	assert.Equal(t, models.BatchCompleted, again.Batch.Status)

	assert.Equal(t, []string{"catalog:scan batch:b1"}, pub.messages, "exactly one completion side effect")
}

func TestCheckLeavesActiveBatchOpen(t *testing.T) {
	st := memstore.New()
	seedBatch(t, st, time.Now(), models.JobCompleted, models.JobProcessing)
	e := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), WithTimeout(time.Hour))

	res, err := e.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, 1, res.Progress.Active)
}

func TestCheckCompletesAfterTimeout(t *testing.T) {
	now := time.Now()
	st := memstore.New()
	seedBatch(t, st, now.Add(-2*time.Hour), models.JobProcessing)
	e := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), WithTimeout(time.Hour), WithClock(func() time.Time { return now }))

	res, err := e.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestPublishFailureDoesNotFailCompletion(t *testing.T) {
	st := memstore.New()
	seedBatch(t, st, time.Now(), models.JobCompleted)
	e := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), WithPublisher(&fakePublisher{err: errors.New("redis down")}, "scan"))

	res, err := e.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestCheckUnknownBatch(t *testing.T) {
	e := New(memstore.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := e.Check(context.Background(), "missing")
	assert.Error(t, err)
}
