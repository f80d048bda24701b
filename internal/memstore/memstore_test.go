package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-reconciler/internal/models"
	"media-reconciler/internal/store"
)

func TestInsertEventDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, inserted, err := s.InsertEvent(ctx, models.WebhookEvent{ID: "e1", DedupKey: "k", Source: "lidarr"})
	require.NoError(t, err)
	assert.True(t, inserted)

	second, inserted, err := s.InsertEvent(ctx, models.WebhookEvent{ID: "e2", DedupKey: "k", Source: "lidarr"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.EventCount())
}

func TestActiveTargetUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.CreateJob(ctx, models.DownloadJob{ID: "j1", Status: models.JobProcessing, TargetMBID: "m"})
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, models.DownloadJob{ID: "j2", Status: models.JobPending, TargetMBID: "m"})
	assert.True(t, errors.Is(err, store.ErrActiveJobExists))

	_, err = s.CreateJob(ctx, models.DownloadJob{ID: "j3", Status: models.JobFailed, TargetMBID: "m"})
	assert.NoError(t, err, "terminal jobs do not hold the target")
}

func TestTransitionJobGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	_, err := s.CreateJob(ctx, models.DownloadJob{ID: "j1", Status: models.JobPending})
	require.NoError(t, err)

	ok, err := s.TransitionJob(ctx, models.JobTransition{JobID: "j1", From: []models.JobStatus{models.JobProcessing}, To: models.JobCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionJob(ctx, models.JobTransition{JobID: "j1", From: []models.JobStatus{models.JobPending}, To: models.JobProcessing})
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, now, job.UpdatedAt)
}

func TestTaskClaimAndReset(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.EnsureTasks(ctx, models.StageVibe, []string{"a"})
	require.NoError(t, err)

	ok, err := s.ClaimTask(ctx, "a", models.StageVibe, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimTask(ctx, "a", models.StageVibe, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ResetStage(ctx, models.StageVibe)
	require.NoError(t, err)
	assert.Zero(t, n, "processing tasks are left alone")

	reset, err := s.ResetInFlightTasks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reset[models.StageVibe])
}
