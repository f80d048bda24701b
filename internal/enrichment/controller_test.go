package enrichment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingQueue struct {
	mu      sync.Mutex
	queued  map[models.Stage][]string
	purged  []models.Stage
	onQueue func(stage models.Stage, id string)
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{queued: make(map[models.Stage][]string)}
}

func (q *recordingQueue) Enqueue(_ context.Context, stage models.Stage, id string) (bool, error) {
	if q.onQueue != nil {
		q.onQueue(stage, id)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.queued[stage] {
		if existing == id {
			return false, nil
		}
	}
	q.queued[stage] = append(q.queued[stage], id)
	return true, nil
}

func (q *recordingQueue) Purge(_ context.Context, stage models.Stage) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.queued[stage]))
	delete(q.queued, stage)
	q.purged = append(q.purged, stage)
	return n, nil
}

func (q *recordingQueue) Depth(_ context.Context, stage models.Stage) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queued[stage])), nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type countingPool struct {
	wakes      atomic.Int32
	interrupts atomic.Int32
}

func (p *countingPool) Wake()      { p.wakes.Add(1) }
func (p *countingPool) Interrupt() { p.interrupts.Add(1) }

type inlineLocker struct{ calls int }

func (l *inlineLocker) Do(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	l.calls++
	return true, fn(ctx)
}

type fixture struct {
	store *memstore.Store
	queue *recordingQueue
	pub   *recordingPublisher
	pool  *countingPool
	ctl   *Controller
}

func newFixture() *fixture {
	f := &fixture{
		store: memstore.New(),
		queue: newRecordingQueue(),
		pub:   &recordingPublisher{},
		pool:  &countingPool{},
	}
	f.ctl = New(f.store, NewFlags(), "test-1", discard,
		WithQueue(f.queue),
		WithPublisher(f.pub, "enrichment:control"),
		WithPool(f.pool),
	)
	return f
}

func TestBootRecoversBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	locker := &inlineLocker{}
	f.ctl = New(f.store, NewFlags(), "test-1", discard, WithQueue(f.queue), WithLocker(locker))

	started := time.Now().Add(-time.Minute)
	for _, id := range []string{"t1", "t2", "t3"} {
		f.store.PutTask(models.EnrichmentTask{EntityID: id, Stage: models.StageAudio, Status: models.TaskProcessing, StartedAt: &started})
	}
	f.store.PutTask(models.EnrichmentTask{EntityID: "done", Stage: models.StageAudio, Status: models.TaskCompleted})
	_, err := f.store.SaveEnrichmentState(ctx, models.EnrichmentRunning, "crashed-worker")
	require.NoError(t, err)

	f.queue.onQueue = func(stage models.Stage, _ string) {
		counts, err := f.store.TaskCounts(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts[stage][models.TaskProcessing], "dispatch ran before recovery finished")
	}

	require.NoError(t, f.ctl.Boot(ctx))
	assert.Equal(t, 1, locker.calls)

	for _, id := range []string{"t1", "t2", "t3"} {
		task, err := f.store.GetTask(ctx, id, models.StageAudio)
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, task.Status, id)
		assert.Nil(t, task.StartedAt)
	}
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, f.queue.queued[models.StageAudio])
	assert.Equal(t, models.EnrichmentRunning, f.ctl.Flags().Status())
}

func TestBootResolvesAbandonedStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	// The process that wrote stopping died before writing idle.
	_, err := f.store.SaveEnrichmentState(ctx, models.EnrichmentStopping, "crashed-api")
	require.NoError(t, err)

	require.NoError(t, f.ctl.Boot(ctx))
	shared, err := f.store.GetEnrichmentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentIdle, shared.Status)
	assert.Equal(t, models.EnrichmentIdle, f.ctl.Flags().Status())

	st, err := f.ctl.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentRunning, st.Status)
}

func TestPassResolvesStopAfterTimeout(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	now := start
	shared := memstore.New(memstore.WithClock(func() time.Time { return start }))
	ctl := New(shared, NewFlags(), "api-1", discard,
		WithStoppingTimeout(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	_, err := shared.SaveEnrichmentState(ctx, models.EnrichmentStopping, "api-2")
	require.NoError(t, err)

	now = start.Add(30 * time.Second)
	_, err = ctl.Pass(ctx)
	require.NoError(t, err)
	st, err := shared.GetEnrichmentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentStopping, st.Status, "a recent stop may still be finishing")

	_, err = ctl.Start(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	now = start.Add(2 * time.Minute)
	_, err = ctl.Pass(ctx)
	require.NoError(t, err)
	st, err = shared.GetEnrichmentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentIdle, st.Status)
	assert.Equal(t, models.EnrichmentIdle, ctl.Flags().Status())
}

func TestDispatchHeldUntilBoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.ctl = New(f.store, NewFlags(), "worker-1", discard,
		WithQueue(f.queue),
		WithPool(f.pool),
		WithAwaitBoot(),
	)
	started := time.Now().Add(-time.Minute)
	f.store.PutTask(models.EnrichmentTask{EntityID: "t1", Stage: models.StageAudio, Status: models.TaskProcessing, StartedAt: &started})
	f.store.PutTask(models.EnrichmentTask{EntityID: "t2", Stage: models.StageAudio, Status: models.TaskPending})
	_, err := f.store.SaveEnrichmentState(ctx, models.EnrichmentRunning, "api-1")
	require.NoError(t, err)

	// A resume broadcast that lands while recovery has not run yet.
	f.ctl.HandleMessage(ctx, MsgResume)
	assert.Equal(t, models.EnrichmentRunning, f.ctl.Flags().Status())
	n, err := f.ctl.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.queue.queued[models.StageAudio])

	require.NoError(t, f.ctl.Boot(ctx))
	assert.ElementsMatch(t, []string{"t1", "t2"}, f.queue.queued[models.StageAudio])
}

func TestSyncCorrectsLocalFlagsBeforeWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.ctl.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, models.EnrichmentRunning, f.ctl.Flags().Status())

	// Another process paused through the shared record only.
	_, err = f.store.SaveEnrichmentState(ctx, models.EnrichmentPaused, "other")
	require.NoError(t, err)
	f.store.PutTask(models.EnrichmentTask{EntityID: "t1", Stage: models.StageArtist, Status: models.TaskPending})

	n, err := f.ctl.ReRunStage(ctx, models.StageArtist)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, models.EnrichmentPaused, f.ctl.Flags().Status())
	assert.False(t, f.ctl.Flags().Runnable(models.StageArtist))
	assert.Empty(t, f.queue.queued[models.StageArtist], "nothing is dispatched while paused")

	_, err = f.store.SaveEnrichmentState(ctx, models.EnrichmentRunning, "other")
	require.NoError(t, err)
	active, err := f.ctl.Pass(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, models.EnrichmentRunning, f.ctl.Flags().Status())
	assert.Equal(t, []string{"t1"}, f.queue.queued[models.StageArtist])
}

func TestControlOperationsWriteThenPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ctl.Pause(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	st, err := f.ctl.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentRunning, st.Status)
	assert.Equal(t, "test-1", st.UpdatedBy)

	st, err = f.ctl.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentPaused, st.Status)

	st, err = f.ctl.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentRunning, st.Status)

	st, err = f.ctl.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentIdle, st.Status)
	assert.Equal(t, models.EnrichmentIdle, f.ctl.Flags().Status())

	assert.Equal(t, []string{MsgResume, MsgPause, MsgResume, MsgStop}, f.pub.msgs)
	assert.ElementsMatch(t, models.AllStages, f.queue.purged)
	assert.EqualValues(t, 1, f.pool.interrupts.Load())

	stored, err := f.store.GetEnrichmentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentIdle, stored.Status)

	_, err = f.ctl.Resume(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleMessageFollowsSharedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.ctl.Start(ctx)
	require.NoError(t, err)

	_, err = f.store.SaveEnrichmentState(ctx, models.EnrichmentPaused, "other")
	require.NoError(t, err)
	f.ctl.HandleMessage(ctx, MsgPause)
	assert.Equal(t, models.EnrichmentPaused, f.ctl.Flags().Status())

	// A stale resume that lost the race to a newer pause is undone by the read-back.
	f.ctl.HandleMessage(ctx, MsgResume)
	assert.Equal(t, models.EnrichmentPaused, f.ctl.Flags().Status())
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutTask(models.EnrichmentTask{EntityID: "a", Stage: models.StageVibe, Status: models.TaskPending})
	f.ctl.Flags().Hold(models.StageVibe)
	_, err := f.ctl.Start(ctx)
	require.NoError(t, err)

	rep, err := f.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentRunning, rep.State.Status)
	assert.Equal(t, []models.Stage{models.StageVibe}, rep.Held)
	assert.Equal(t, 1, rep.Tasks[models.StageVibe][models.TaskPending])
	assert.EqualValues(t, 1, rep.QueueDepth[models.StageVibe])
}
