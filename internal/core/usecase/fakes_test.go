package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo mirrors the conditional-update semantics of the postgres
// repository so lifecycle tests exercise real fencing behavior.
type memRepo struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	availableAt map[string]time.Time

	createErr error
	claimErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:        make(map[string]*domain.Job),
		availableAt: make(map[string]time.Time),
	}
}

func (r *memRepo) snapshot(job *domain.Job) *domain.Job {
	cp := *job
	return &cp
}

func (r *memRepo) get(id string) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		return r.snapshot(job)
	}
	return nil
}

func (r *memRepo) Create(_ context.Context, job *domain.Job) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = r.snapshot(job)
	r.availableAt[job.ID] = time.Now().UTC()
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("id=%s", id))
	}
	return r.snapshot(job), nil
}

func (r *memRepo) Claim(_ context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "claim job", fmt.Errorf("id=%s", jobID))
	}
	now := time.Now().UTC()
	if job.Status != domain.JobQueued || r.availableAt[jobID].After(now) {
		return nil, domain.WrapError(domain.ErrAlreadyClaimed, "claim job", fmt.Errorf("id=%s worker=%s", jobID, workerID))
	}
	job.Status = domain.JobRunning
	job.Stage = domain.StageValidate
	job.Progress = 0
	job.WorkerID = workerID
	expires := now.Add(lease)
	job.LeaseExpiresAt = &expires
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Version++
	job.UpdatedAt = now
	return r.snapshot(job), nil
}

func (r *memRepo) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return domain.WrapError(domain.ErrNotOwner, "extend lease", fmt.Errorf("id=%s worker=%s", jobID, workerID))
	}
	expires := time.Now().UTC().Add(lease)
	job.LeaseExpiresAt = &expires
	return nil
}

func (r *memRepo) UpdateProgress(_ context.Context, jobID, workerID string, stage domain.Stage, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return domain.WrapError(domain.ErrNotOwner, "update progress", fmt.Errorf("id=%s worker=%s", jobID, workerID))
	}
	job.Stage = stage
	job.Progress = domain.ClampProgress(progress)
	return nil
}

func (r *memRepo) Complete(_ context.Context, jobID, workerID, resultRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.JobCompleted
	job.Stage = domain.StageDone
	job.Progress = 1
	job.ResultRef = resultRef
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	return true, nil
}

func (r *memRepo) FailTerminal(_ context.Context, jobID, workerID, errMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.JobFailed
	job.ErrorMessage = errMessage
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	return true, nil
}

func (r *memRepo) Requeue(_ context.Context, jobID, workerID, errMessage string, availableAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return false, nil
	}
	job.Status = domain.JobQueued
	job.Stage = domain.StageValidate
	job.Progress = 0
	job.RetryCount++
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.ErrorMessage = errMessage
	job.UpdatedAt = time.Now().UTC()
	r.availableAt[jobID] = availableAt.UTC()
	return true, nil
}

func (r *memRepo) RequestCancel(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "cancel job", fmt.Errorf("id=%s", jobID))
	}
	switch job.Status {
	case domain.JobQueued:
		now := time.Now().UTC()
		job.Status = domain.JobCancelled
		job.CompletedAt = &now
	case domain.JobRunning:
		job.CancelRequested = true
	}
	return r.snapshot(job), nil
}

func (r *memRepo) MarkCancelled(_ context.Context, jobID, workerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.JobCancelled
	job.LeaseExpiresAt = nil
	job.CompletedAt = &now
	return true, nil
}

func (r *memRepo) IsCancelRequested(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return false, domain.WrapError(domain.ErrNotFound, "check cancel flag", fmt.Errorf("id=%s", jobID))
	}
	return job.CancelRequested, nil
}

func (r *memRepo) RequeueExpired(_ context.Context, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	out := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if len(out) >= limit {
			break
		}
		if job.Status != domain.JobRunning || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		if job.RetryCount < job.MaxRetries {
			job.Status = domain.JobQueued
			job.Stage = domain.StageValidate
			job.Progress = 0
			job.RetryCount++
			job.WorkerID = ""
			job.LeaseExpiresAt = nil
			job.ErrorMessage = "worker lease expired"
			job.UpdatedAt = now
			r.availableAt[job.ID] = now
		} else {
			job.Status = domain.JobFailed
			job.ErrorMessage = "worker lease expired; retry budget exhausted"
			job.LeaseExpiresAt = nil
			job.CompletedAt = &now
		}
		out = append(out, r.snapshot(job))
	}
	return out, nil
}

func (r *memRepo) ReannounceStale(_ context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	out := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if len(out) >= limit {
			break
		}
		if job.Status != domain.JobQueued || r.availableAt[job.ID].After(now) || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.UpdatedAt = now
		job.Version++
		out = append(out, r.snapshot(job))
	}
	return out, nil
}

// expireLease backdates the lease for sweep tests.
func (r *memRepo) expireLease(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		past := time.Now().UTC().Add(-time.Minute)
		job.LeaseExpiresAt = &past
	}
}

// makeAvailable clears any retry backoff so the next claim succeeds.
func (r *memRepo) makeAvailable(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availableAt[jobID] = time.Now().UTC()
}

// backdateQueued ages a queued row for staleness-sweep tests.
func (r *memRepo) backdateQueued(jobID string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.UpdatedAt = job.UpdatedAt.Add(-age)
		r.availableAt[jobID] = r.availableAt[jobID].Add(-age)
	}
}

// availableAfter exposes the scheduled availability for backoff tests.
func (r *memRepo) availableAfter(jobID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableAt[jobID]
}

type fakeQueue struct {
	mu         sync.Mutex
	published  []ports.JobMessage
	publishErr error
}

func (q *fakeQueue) PublishJob(_ context.Context, msg ports.JobMessage) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, msg)
	return nil
}

func (q *fakeQueue) SubscribeJobs(context.Context, func(context.Context, ports.JobMessage) error) error {
	return nil
}

func (q *fakeQueue) PublishProgress(context.Context, domain.ProgressEvent) error { return nil }

func (q *fakeQueue) SubscribeProgress(context.Context, func(context.Context, domain.ProgressEvent)) error {
	return nil
}

func (q *fakeQueue) messages() []ports.JobMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ports.JobMessage(nil), q.published...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (s *fakeSink) Publish(_ context.Context, event domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSink) all() []domain.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressEvent(nil), s.events...)
}

func (s *fakeSink) last() domain.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return domain.ProgressEvent{}
	}
	return s.events[len(s.events)-1]
}
