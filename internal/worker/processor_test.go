package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-reconciler/internal/memstore"
	"media-reconciler/internal/models"
	"media-reconciler/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

type stageFlags map[models.Stage]bool

func (f stageFlags) Runnable(stage models.Stage) bool { return f[stage] }

type countingSignaler struct{ n atomic.Int32 }

func (s *countingSignaler) Signal() { s.n.Add(1) }

type harness struct {
	store *memstore.Store
	queue *queue.RedisQueue
	gate  *countingSignaler
	proc  *Processor
}

func newHarness(t *testing.T, flags Flags, maxAttempts int) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store: memstore.New(),
		queue: queue.NewRedisQueue(client, time.Minute),
		gate:  &countingSignaler{},
	}
	h.proc = NewProcessor(h.queue, h.store, flags, models.AllStages, Settings{
		Concurrency:    1,
		PollInterval:   10 * time.Millisecond,
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithGate(models.StageAudio, h.gate))
	return h
}

func (h *harness) seed(t *testing.T, stage models.Stage, ids ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.EnsureTasks(ctx, stage, ids)
	require.NoError(t, err)
	for _, id := range ids {
		_, err := h.queue.Enqueue(ctx, stage, id)
		require.NoError(t, err)
	}
}

func allRunnable() stageFlags {
	return stageFlags{models.StageArtist: true, models.StageAudio: true, models.StageVibe: true}
}

func TestProcessOneCompletesAndSignalsGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allRunnable(), 3)
	h.seed(t, models.StageAudio, "e1")
	var seen []string
	h.proc.RegisterHandler(models.StageAudio, func(_ context.Context, task models.EnrichmentTask) error {
		assert.Equal(t, models.TaskProcessing, task.Status)
		seen = append(seen, task.EntityID)
		return nil
	})

	worked, err := h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"e1"}, seen)

	task, err := h.store.GetTask(ctx, "e1", models.StageAudio)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.EqualValues(t, 1, h.gate.n.Load())

	inflight, err := h.queue.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	worked, err = h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessOneRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allRunnable(), 2)
	h.seed(t, models.StageArtist, "e1")
	h.proc.RegisterHandler(models.StageArtist, func(context.Context, models.EnrichmentTask) error {
		return errors.New("analyzer unavailable")
	})

	worked, err := h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	task, err := h.store.GetTask(ctx, "e1", models.StageArtist)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	// The retry waits on the lease; nothing is ready until it expires.
	worked, err = h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	reclaimed, err := h.queue.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	worked, err = h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	task, err = h.store.GetTask(ctx, "e1", models.StageArtist)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, "analyzer unavailable", task.Error)

	dead, err := h.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []queue.Item{{Stage: models.StageArtist, EntityID: "e1"}}, dead)
}

func TestProcessOneHonoursStageFlags(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stageFlags{models.StageArtist: true}, 3)
	h.seed(t, models.StageVibe, "v1")
	h.proc.RegisterHandler(models.StageVibe, func(context.Context, models.EnrichmentTask) error {
		t.Fatal("held stage must not run")
		return nil
	})

	worked, err := h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	depth, err := h.queue.Depth(ctx, models.StageVibe)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestProcessOneSkipsTaskNoLongerPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allRunnable(), 3)
	h.store.PutTask(models.EnrichmentTask{EntityID: "e1", Stage: models.StageArtist, Status: models.TaskCompleted})
	_, err := h.queue.Enqueue(ctx, models.StageArtist, "e1")
	require.NoError(t, err)
	h.proc.RegisterHandler(models.StageArtist, func(context.Context, models.EnrichmentTask) error {
		t.Fatal("completed task must not run again")
		return nil
	})

	worked, err := h.proc.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	inflight, _ := h.queue.InFlight(ctx)
	assert.Zero(t, inflight)
}

func TestInterruptReturnsTaskToPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allRunnable(), 3)
	h.seed(t, models.StageAudio, "e1")
	started := make(chan struct{})
	h.proc.RegisterHandler(models.StageAudio, func(ctx context.Context, _ models.EnrichmentTask) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.proc.ProcessOne(ctx)
		done <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	h.proc.Interrupt()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cancel the handler")
	}

	task, err := h.store.GetTask(ctx, "e1", models.StageAudio)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Zero(t, h.gate.n.Load())
	inflight, _ := h.queue.InFlight(ctx)
	assert.Zero(t, inflight)
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, allRunnable(), 3)
	h.seed(t, models.StageArtist, "a1", "a2", "a3")
	var handled atomic.Int32
	h.proc.RegisterHandler(models.StageArtist, func(context.Context, models.EnrichmentTask) error {
		handled.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	require.Eventually(t, func() bool { return handled.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAnalyzerHandler(t *testing.T) {
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/analyze/vibe" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("model loading\n"))
			return
		}
		assert.Equal(t, "/analyze/audio", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewAnalyzerHandler(srv.URL+"/", time.Second)
	err := h.Handle(context.Background(), models.EnrichmentTask{EntityID: "t1", Stage: models.StageAudio, RetryCount: 1})
	require.NoError(t, err)
	assert.Equal(t, analyzeRequest{EntityID: "t1", Stage: models.StageAudio, Attempt: 2}, got)

	err = h.Handle(context.Background(), models.EnrichmentTask{EntityID: "t1", Stage: models.StageVibe})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503: model loading")
}
