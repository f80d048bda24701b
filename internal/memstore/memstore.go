// Package memstore is an in-memory implementation of the persistence methods of
// internal/store. It backs unit tests and STORE_DRIVER=memory local runs; it keeps the
// same guarded-update and uniqueness semantics as the Postgres store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"media-reconciler/internal/models"
	"media-reconciler/internal/store"
)

// Store holds every table in maps behind one mutex.
type Store struct {
	mu sync.RWMutex

	now func() time.Time

	events      map[string]models.WebhookEvent
	eventByKey  map[string]string
	jobs        map[string]models.DownloadJob
	batches     map[string]models.DiscoveryBatch
	catalog     map[string]models.CatalogAlbum
	state       *models.EnrichmentState
	tasks       map[taskKey]models.EnrichmentTask
	insertOrder int64
	jobOrder    map[string]int64
}

type taskKey struct {
	entityID string
	stage    models.Stage
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		events:     make(map[string]models.WebhookEvent),
		eventByKey: make(map[string]string),
		jobs:       make(map[string]models.DownloadJob),
		batches:    make(map[string]models.DiscoveryBatch),
		catalog:    make(map[string]models.CatalogAlbum),
		tasks:      make(map[taskKey]models.EnrichmentTask),
		jobOrder:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ---- events ----

func (s *Store) InsertEvent(_ context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.eventByKey[ev.DedupKey]; ok {
		return s.copyEvent(s.events[id]), false, nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.Payload = cloneMap(ev.Payload)
	ev.Processed = false
	ev.ProcessedAt = nil
	ev.RetryCount = 0
	s.events[ev.ID] = ev
	s.eventByKey[ev.DedupKey] = ev.ID
	return s.copyEvent(ev), true, nil
}

func (s *Store) copyEvent(ev models.WebhookEvent) models.WebhookEvent {
	ev.Payload = cloneMap(ev.Payload)
	ev.ProcessedAt = copyTime(ev.ProcessedAt)
	return ev
}

func (s *Store) GetEventByDedupKey(_ context.Context, key string) (models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.eventByKey[key]
	if !ok {
		return models.WebhookEvent{}, notFound("event", key)
	}
	return s.copyEvent(s.events[id]), nil
}

// Event returns an event by id, for assertions.
func (s *Store) Event(id string) (models.WebhookEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	return s.copyEvent(ev), ok
}

// EventCount reports the number of ledger rows.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) MarkEventProcessed(_ context.Context, id, correlationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return notFound("event", id)
	}
	ev.Processed = true
	ev.ProcessedAt = &at
	if correlationID != "" {
		ev.CorrelationID = correlationID
	}
	s.events[id] = ev
	return nil
}

func (s *Store) MarkEventFailed(_ context.Context, id, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return notFound("event", id)
	}
	if ev.Error == "" {
		ev.Error = errText
	} else {
		ev.Error += "\n" + errText
	}
	ev.RetryCount++
	s.events[id] = ev
	return nil
}

func (s *Store) sortedEvents(keep func(models.WebhookEvent) bool, limit int) []models.WebhookEvent {
	var out []models.WebhookEvent
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, s.copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) UnprocessedEvents(_ context.Context, source string, maxRetries, limit int) ([]models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedEvents(func(ev models.WebhookEvent) bool {
		return !ev.Processed && ev.RetryCount < maxRetries && (source == "" || ev.Source == source)
	}, limit), nil
}

func (s *Store) ProcessedEventsBefore(_ context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedEvents(func(ev models.WebhookEvent) bool {
		return ev.Processed && ev.CreatedAt.Before(cutoff)
	}, limit), nil
}

func (s *Store) DeleteProcessedEvents(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok || !ev.Processed {
			continue
		}
		delete(s.events, id)
		delete(s.eventByKey, ev.DedupKey)
		n++
	}
	return n, nil
}

func (s *Store) EventBacklog(_ context.Context, maxRetries int) (pending, exhausted int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.Processed {
			continue
		}
		if ev.RetryCount < maxRetries {
			pending++
		} else {
			exhausted++
		}
	}
	return pending, exhausted, nil
}

// ---- jobs ----

func copyJob(j models.DownloadJob) models.DownloadJob {
	j.Metadata = cloneMap(j.Metadata)
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.CompletedAt = copyTime(j.CompletedAt)
	return j
}

func (s *Store) activeTargetTaken(target, exceptID string) bool {
	if target == "" {
		return false
	}
	for id, j := range s.jobs {
		if id != exceptID && j.TargetMBID == target && !j.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (s *Store) CreateJob(_ context.Context, job models.DownloadJob) (models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !job.Status.IsTerminal() && s.activeTargetTaken(job.TargetMBID, job.ID) {
		return models.DownloadJob{}, fmt.Errorf("target %s: %w", job.TargetMBID, store.ErrActiveJobExists)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.UpdatedAt = job.CreatedAt
	job = copyJob(job)
	s.jobs[job.ID] = job
	s.insertOrder++
	s.jobOrder[job.ID] = s.insertOrder
	return copyJob(job), nil
}

// PutJob stores a job as-is, bypassing the uniqueness check. Tests use it to seed rows
// with specific timestamps.
func (s *Store) PutJob(job models.DownloadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = copyJob(job)
	if _, ok := s.jobOrder[job.ID]; !ok {
		s.insertOrder++
		s.jobOrder[job.ID] = s.insertOrder
	}
}

func (s *Store) GetJob(_ context.Context, id string) (models.DownloadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.DownloadJob{}, notFound("job", id)
	}
	return copyJob(j), nil
}

func (s *Store) FindJobByDownloadRef(_ context.Context, ref string) (models.DownloadJob, bool, error) {
	if ref == "" {
		return models.DownloadJob{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  models.DownloadJob
		found bool
	)
	for _, j := range s.jobs {
		if j.DownloadRef != ref {
			continue
		}
		if !found || j.CreatedAt.After(best.CreatedAt) {
			best, found = j, true
		}
	}
	return copyJob(best), found, nil
}

func (s *Store) FindActiveJobByTarget(_ context.Context, mbid string) (models.DownloadJob, bool, error) {
	if mbid == "" {
		return models.DownloadJob{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.TargetMBID == mbid && !j.Status.IsTerminal() {
			return copyJob(j), true, nil
		}
	}
	return models.DownloadJob{}, false, nil
}

func (s *Store) sortedJobs(keep func(models.DownloadJob) bool, byUpdated bool) []models.DownloadJob {
	var out []models.DownloadJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].CreatedAt, out[b].CreatedAt
		if byUpdated {
			ta, tb = out[a].UpdatedAt, out[b].UpdatedAt
		}
		if ta.Equal(tb) {
			return s.jobOrder[out[a].ID] < s.jobOrder[out[b].ID]
		}
		return ta.Before(tb)
	})
	return out
}

func (s *Store) JobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]models.DownloadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.sortedJobs(func(j models.DownloadJob) bool { return want[j.Status] }, false), nil
}

func (s *Store) TransitionJob(_ context.Context, tr models.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[tr.JobID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, from := range tr.From {
		if j.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	if !tr.To.IsTerminal() && s.activeTargetTaken(j.TargetMBID, j.ID) {
		return false, fmt.Errorf("transition job %s: %w", tr.JobID, store.ErrActiveJobExists)
	}
	j.Status = tr.To
	if tr.Metadata != nil {
		j.Metadata = cloneMap(tr.Metadata)
	}
	if tr.DownloadRef != nil {
		j.DownloadRef = *tr.DownloadRef
	}
	if tr.CompletedAt != nil {
		j.CompletedAt = copyTime(tr.CompletedAt)
	}
	j.UpdatedAt = s.now()
	s.jobs[j.ID] = j
	return true, nil
}

func (s *Store) CompleteJobs(_ context.Context, ids []string, at time.Time, resolvedBy string) ([]models.DownloadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DownloadJob
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || j.Status != models.JobProcessing {
			continue
		}
		j.Status = models.JobCompleted
		j.CompletedAt = &at
		j.UpdatedAt = at
		j.Metadata = cloneMap(j.Metadata)
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		delete(j.Metadata, models.MetaVanishedAt)
		j.Metadata[models.MetaResolvedBy] = resolvedBy
		s.jobs[id] = j
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *Store) TouchJobs(_ context.Context, ids []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || j.Status.IsTerminal() {
			continue
		}
		j.UpdatedAt = at
		if _, marked := j.Metadata[models.MetaVanishedAt]; marked {
			j.Metadata = cloneMap(j.Metadata)
			delete(j.Metadata, models.MetaVanishedAt)
		}
		s.jobs[id] = j
		n++
	}
	return n, nil
}

func (s *Store) StaleJobs(_ context.Context, status models.JobStatus, cutoff time.Time) ([]models.DownloadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedJobs(func(j models.DownloadJob) bool {
		return j.Status == status && j.UpdatedAt.Before(cutoff)
	}, true), nil
}

func (s *Store) JobCounts(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.JobStatus]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *Store) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.jobOrder, id)
			n++
		}
	}
	return n, nil
}

// ---- batches ----

func copyBatch(b models.DiscoveryBatch) models.DiscoveryBatch {
	b.CompletedAt = copyTime(b.CompletedAt)
	return b
}

func (s *Store) CreateBatch(_ context.Context, b models.DiscoveryBatch) (models.DiscoveryBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return models.DiscoveryBatch{}, fmt.Errorf("insert batch: duplicate id %s", b.ID)
	}
	if b.Status == "" {
		b.Status = models.BatchDownloading
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.batches[b.ID] = copyBatch(b)
	return copyBatch(b), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (models.DiscoveryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return models.DiscoveryBatch{}, notFound("batch", id)
	}
	return copyBatch(b), nil
}

func (s *Store) BatchJobCounts(_ context.Context, batchID string) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.JobStatus]int)
	for _, j := range s.jobs {
		if j.BatchID == batchID {
			out[j.Status]++
		}
	}
	return out, nil
}

func (s *Store) CompleteBatch(_ context.Context, id string, completed, failed int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.Status == models.BatchCompleted {
		return false, nil
	}
	b.Status = models.BatchCompleted
	b.CompletedCount = completed
	b.FailedCount = failed
	b.CompletedAt = &at
	s.batches[id] = b
	return true, nil
}

func (s *Store) StaleBatches(_ context.Context, cutoff time.Time) ([]models.DiscoveryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DiscoveryBatch
	for _, b := range s.batches {
		if b.Status != models.BatchCompleted && b.CreatedAt.Before(cutoff) {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- catalog ----

func (s *Store) CatalogAlbums(_ context.Context) ([]models.CatalogAlbum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CatalogAlbum, 0, len(s.catalog))
	for _, a := range s.catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func (s *Store) AddCatalogAlbum(_ context.Context, a models.CatalogAlbum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[a.ID] = a
	return nil
}

// ---- enrichment ----

func (s *Store) GetEnrichmentState(_ context.Context) (models.EnrichmentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return models.EnrichmentState{Status: models.EnrichmentIdle}, nil
	}
	return *s.state, nil
}

func (s *Store) SaveEnrichmentState(_ context.Context, status models.EnrichmentStatus, updatedBy string) (models.EnrichmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.EnrichmentState{Status: status, UpdatedBy: updatedBy, UpdatedAt: s.now()}
	s.state = &st
	return st, nil
}

func copyTask(t models.EnrichmentTask) models.EnrichmentTask {
	t.StartedAt = copyTime(t.StartedAt)
	return t
}

func (s *Store) EnsureTasks(_ context.Context, stage models.Stage, entityIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for _, id := range entityIDs {
		k := taskKey{entityID: id, stage: stage}
		if _, ok := s.tasks[k]; ok {
			continue
		}
		s.tasks[k] = models.EnrichmentTask{EntityID: id, Stage: stage, Status: models.TaskPending, UpdatedAt: now}
		n++
	}
	return n, nil
}

// PutTask stores a task as-is. Tests use it to seed processing rows.
func (s *Store) PutTask(t models.EnrichmentTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskKey{entityID: t.EntityID, stage: t.Stage}] = copyTask(t)
}

func (s *Store) GetTask(_ context.Context, entityID string, stage models.Stage) (models.EnrichmentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskKey{entityID: entityID, stage: stage}]
	if !ok {
		return models.EnrichmentTask{}, notFound("task", string(stage)+"/"+entityID)
	}
	return copyTask(t), nil
}

func (s *Store) sortedTasks(keep func(models.EnrichmentTask) bool) []models.EnrichmentTask {
	var out []models.EnrichmentTask
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) PendingTasks(_ context.Context, stage models.Stage, limit int) ([]models.EnrichmentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedTasks(func(t models.EnrichmentTask) bool {
		return t.Stage == stage && t.Status == models.TaskPending
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimTask(_ context.Context, entityID string, stage models.Stage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{entityID: entityID, stage: stage}
	t, ok := s.tasks[k]
	if !ok || t.Status != models.TaskPending {
		return false, nil
	}
	t.Status = models.TaskProcessing
	t.StartedAt = &at
	t.UpdatedAt = at
	s.tasks[k] = t
	return true, nil
}

func (s *Store) FinishTask(_ context.Context, entityID string, stage models.Stage, status models.TaskStatus, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{entityID: entityID, stage: stage}
	t, ok := s.tasks[k]
	if !ok || t.Status != models.TaskProcessing {
		return false, nil
	}
	t.Status = status
	t.Error = errText
	t.UpdatedAt = s.now()
	s.tasks[k] = t
	return true, nil
}

func (s *Store) ResetInFlightTasks(_ context.Context) (map[models.Stage]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Stage]int64)
	now := s.now()
	for k, t := range s.tasks {
		if t.Status != models.TaskProcessing {
			continue
		}
		t.Status = models.TaskPending
		t.StartedAt = nil
		t.UpdatedAt = now
		s.tasks[k] = t
		out[k.stage]++
	}
	return out, nil
}

func (s *Store) StaleTasks(_ context.Context, stage models.Stage, cutoff time.Time) ([]models.EnrichmentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedTasks(func(t models.EnrichmentTask) bool {
		return t.Stage == stage && t.Status == models.TaskProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff)
	}), nil
}

func (s *Store) ResetTask(_ context.Context, entityID string, stage models.Stage, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey{entityID: entityID, stage: stage}
	t, ok := s.tasks[k]
	if !ok || t.Status != models.TaskProcessing {
		return false, nil
	}
	t.Status = models.TaskPending
	t.RetryCount = retryCount
	t.Error = ""
	t.StartedAt = nil
	t.UpdatedAt = s.now()
	s.tasks[k] = t
	return true, nil
}

func (s *Store) ResetStage(_ context.Context, stage models.Stage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for k, t := range s.tasks {
		if k.stage != stage || t.Status == models.TaskProcessing {
			continue
		}
		t.Status = models.TaskPending
		t.RetryCount = 0
		t.Error = ""
		t.StartedAt = nil
		t.UpdatedAt = now
		s.tasks[k] = t
		n++
	}
	return n, nil
}

func (s *Store) TaskCounts(_ context.Context) (map[models.Stage]map[models.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Stage]map[models.TaskStatus]int)
	for k, t := range s.tasks {
		if out[k.stage] == nil {
			out[k.stage] = make(map[models.TaskStatus]int)
		}
		out[k.stage][t.Status]++
	}
	return out, nil
}
