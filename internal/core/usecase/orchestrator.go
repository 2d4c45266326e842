package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
)

// Orchestrator owns the job lifecycle. It is the only component that
// mutates job state; workers drive it through Claim/ReportProgress/
// Complete/Fail, and every transition is emitted to the event sink.
type Orchestrator struct {
	repo   ports.JobRepository
	queue  ports.JobQueue
	sink   ports.EventSink
	logger *slog.Logger

	leaseTTL time.Duration
}

func NewOrchestrator(
	repo ports.JobRepository,
	queue ports.JobQueue,
	sink ports.EventSink,
	logger *slog.Logger,
	leaseTTL time.Duration,
) *Orchestrator {
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &Orchestrator{
		repo:     repo,
		queue:    queue,
		sink:     sink,
		logger:   logger,
		leaseTTL: leaseTTL,
	}
}

func (o *Orchestrator) LeaseTTL() time.Duration { return o.leaseTTL }

// Enqueue creates a queued job and announces it. The persistence write
// happens before the queue publish so a lost publish leaves a claimable
// row rather than an orphan queue message for a job that never existed.
func (o *Orchestrator) Enqueue(
	ctx context.Context,
	doc domain.DocumentRef,
	ownerID string,
	cfg domain.JobConfig,
) (*domain.Job, error) {
	if err := validateEnqueue(doc, ownerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		BlobKey:    doc.BlobKey,
		Filename:   doc.Filename,
		OwnerID:    ownerID,
		Status:     domain.JobQueued,
		Stage:      domain.StageValidate,
		Priority:   domain.DefaultPriority,
		MaxRetries: domain.DefaultMaxRetries,
		Config:     cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := o.queue.PublishJob(ctx, ports.JobMessage{JobID: job.ID, Priority: job.Priority}); err != nil {
		return nil, fmt.Errorf("announce job %s: %w", job.ID, err)
	}

	o.emit(ctx, job, 0, "job queued")
	return job, nil
}

func (o *Orchestrator) Status(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// Cancel requests cooperative cancellation. A queued job is cancelled
// outright; a running worker observes the flag at the next stage boundary.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, requesterID string) error {
	job, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != requesterID {
		return domain.WrapError(domain.ErrNotOwner, "cancel job", fmt.Errorf("requester %s does not own job %s", requesterID, jobID))
	}
	if job.Status.IsTerminal() {
		return nil
	}

	updated, err := o.repo.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if updated.Status == domain.JobCancelled {
		o.emit(ctx, updated, 0, "job cancelled before processing started")
	}
	return nil
}

// Claim atomically hands the job to one worker and starts its lease.
func (o *Orchestrator) Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	job, err := o.repo.Claim(ctx, jobID, workerID, o.leaseTTL)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) ExtendLease(ctx context.Context, jobID, workerID string) error {
	return o.repo.ExtendLease(ctx, jobID, workerID, o.leaseTTL)
}

func (o *Orchestrator) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	return o.repo.IsCancelRequested(ctx, jobID)
}

// ReportProgress persists a stage/progress update for the lease holder and
// emits the corresponding event. Progress is clamped to [0,1]; a decrease
// for the same job is a soft anomaly: logged, never rejected, because a
// reclaimed job legitimately restarts from an earlier stage.
func (o *Orchestrator) ReportProgress(
	ctx context.Context,
	job *domain.Job,
	workerID string,
	stage domain.Stage,
	progress float64,
	seq uint64,
	message string,
) error {
	clamped := domain.ClampProgress(progress)
	if clamped < job.Progress {
		o.logger.Warn("progress decreased",
			"job_id", job.ID,
			"from", job.Progress,
			"to", clamped,
			"stage", stage,
		)
	}

	if err := o.repo.UpdateProgress(ctx, job.ID, workerID, stage, clamped); err != nil {
		return err
	}

	job.Stage = stage
	job.Progress = clamped
	job.Status = domain.JobRunning
	o.emit(ctx, job, seq, message)
	return nil
}

// Complete finishes the job. Completing an already-completed job is a
// no-op success so workers can safely retry after a lost ack.
func (o *Orchestrator) Complete(ctx context.Context, job *domain.Job, workerID, resultRef string, seq uint64) error {
	updated, err := o.repo.Complete(ctx, job.ID, workerID, resultRef)
	if err != nil {
		return err
	}
	if !updated {
		current, getErr := o.repo.GetByID(ctx, job.ID)
		if getErr != nil {
			return getErr
		}
		if current.Status == domain.JobCompleted {
			return nil
		}
		return domain.WrapError(domain.ErrNotOwner, "complete job", errors.New("lease no longer held"))
	}

	job.Status = domain.JobCompleted
	job.Stage = domain.StageDone
	job.Progress = 1.0
	job.ResultRef = resultRef
	o.emit(ctx, job, seq, "document processing completed")
	return nil
}

const (
	retryBackoffBase = 2 * time.Second
	retryBackoffMax  = 5 * time.Minute
)

// retryBackoff defers attempt n+1 by base*2^n plus up to 50% jitter, so
// a flapping dependency is not hammered maxRetries times back to back.
func retryBackoff(attempt int) time.Duration {
	backoff := retryBackoffBase << attempt
	if backoff <= 0 || backoff > retryBackoffMax {
		backoff = retryBackoffMax
	}
	return backoff + rand.N(backoff/2)
}

// Fail classifies the processing error and either re-queues the job for
// another attempt or fails it permanently. Unsupported-format and
// validation errors are terminal regardless of the retry budget.
func (o *Orchestrator) Fail(ctx context.Context, job *domain.Job, workerID string, procErr error, seq uint64) error {
	retryable := domain.IsRetryable(procErr) && job.RetryCount < job.MaxRetries

	if retryable {
		availableAt := time.Now().UTC().Add(retryBackoff(job.RetryCount))
		updated, err := o.repo.Requeue(ctx, job.ID, workerID, procErr.Error(), availableAt)
		if err != nil {
			return err
		}
		if !updated {
			return domain.WrapError(domain.ErrNotOwner, "requeue job", errors.New("lease no longer held"))
		}

		job.Status = domain.JobQueued
		job.RetryCount++
		job.WorkerID = ""
		o.emit(ctx, job, seq, fmt.Sprintf("attempt %d failed, retrying: %s", job.RetryCount, procErr))

		if err := o.queue.PublishJob(ctx, ports.JobMessage{JobID: job.ID, Priority: job.Priority}); err != nil {
			// The row is already queued; SweepExpiredLeases re-announces
			// stale queued rows, so a lost publish delays, not loses.
			o.logger.Error("re-announce after retry failed", "job_id", job.ID, "error", err)
		}
		return nil
	}

	updated, err := o.repo.FailTerminal(ctx, job.ID, workerID, procErr.Error())
	if err != nil {
		return err
	}
	if !updated {
		return domain.WrapError(domain.ErrNotOwner, "fail job", errors.New("lease no longer held"))
	}

	job.Status = domain.JobFailed
	job.ErrorMessage = procErr.Error()
	o.emit(ctx, job, seq, fmt.Sprintf("processing failed: %s", procErr))
	return nil
}

// MarkCancelled finalizes a running job whose worker observed the cancel
// flag and stopped at a stage boundary.
func (o *Orchestrator) MarkCancelled(ctx context.Context, job *domain.Job, workerID string, seq uint64) error {
	updated, err := o.repo.MarkCancelled(ctx, job.ID, workerID)
	if err != nil {
		return err
	}
	if !updated {
		return domain.WrapError(domain.ErrNotOwner, "mark cancelled", errors.New("lease no longer held"))
	}

	job.Status = domain.JobCancelled
	o.emit(ctx, job, seq, "job cancelled")
	return nil
}

// SweepExpiredLeases recovers jobs the queue alone cannot: it re-queues
// and re-announces jobs abandoned by crashed workers, and re-announces
// queued jobs whose announcement was lost (publish failure, or no worker
// subscribed at publish time). Jobs out of retry budget surface as
// permanently failed, which is the only loud outcome of recovery.
// Returns the number of jobs handed back to the queue.
func (o *Orchestrator) SweepExpiredLeases(ctx context.Context, limit int) (int, error) {
	jobs, err := o.repo.RequeueExpired(ctx, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		switch job.Status {
		case domain.JobQueued:
			recovered++
			o.emit(ctx, job, 0, "lease expired, job re-queued")
			if err := o.queue.PublishJob(ctx, ports.JobMessage{JobID: job.ID, Priority: job.Priority}); err != nil {
				o.logger.Error("re-announce swept job failed", "job_id", job.ID, "error", err)
			}
		case domain.JobFailed:
			o.logger.Warn("job exhausted retries after lease expiry",
				"job_id", job.ID,
				"retry_count", job.RetryCount,
			)
			o.emit(ctx, job, 0, "processing failed: retries exhausted after worker loss")
		}
	}

	// A queued row still untouched one lease TTL after it became
	// claimable has lost its announcement: core NATS publish is
	// fire-and-forget, so this sweep is what makes delivery effectively
	// at-least-once.
	stale, err := o.repo.ReannounceStale(ctx, time.Now().UTC().Add(-o.leaseTTL), limit)
	if err != nil {
		return recovered, err
	}
	for _, job := range stale {
		recovered++
		o.logger.Warn("re-announcing stale queued job", "job_id", job.ID, "retry_count", job.RetryCount)
		if err := o.queue.PublishJob(ctx, ports.JobMessage{JobID: job.ID, Priority: job.Priority}); err != nil {
			o.logger.Error("re-announce stale job failed", "job_id", job.ID, "error", err)
		}
	}
	return recovered, nil
}

func (o *Orchestrator) emit(ctx context.Context, job *domain.Job, seq uint64, message string) {
	o.sink.Publish(ctx, domain.NewProgressEvent(job, seq, message))
}

func validateEnqueue(doc domain.DocumentRef, ownerID string) error {
	switch {
	case strings.TrimSpace(doc.ID) == "":
		return domain.WrapError(domain.ErrValidation, "enqueue", errors.New("document id is required"))
	case strings.TrimSpace(doc.BlobKey) == "":
		return domain.WrapError(domain.ErrValidation, "enqueue", errors.New("document blob key is required"))
	case strings.TrimSpace(ownerID) == "":
		return domain.WrapError(domain.ErrValidation, "enqueue", errors.New("owner id is required"))
	}
	return nil
}
