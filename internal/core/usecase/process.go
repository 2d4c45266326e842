package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
)

const resultKeyPrefix = "results/"

// Processor is the worker-side use case: claim the announced job, run the
// pipeline under an actively-extended lease, and drive the job to a
// terminal state through the orchestrator.
type Processor struct {
	orch     *Orchestrator
	storage  ports.ObjectStorage
	pipeline ports.DocumentPipeline
	workerID string
	logger   *slog.Logger

	cancelPollInterval time.Duration
	onClaim            func(lag time.Duration)
	onStage            func(stage string, duration time.Duration)
}

// SetClaimObserver registers a callback invoked with the queue lag (time
// between job creation and claim) for every won claim. Used for metrics.
func (p *Processor) SetClaimObserver(fn func(lag time.Duration)) {
	p.onClaim = fn
}

// SetStageObserver registers a callback invoked with each stage's wall
// time as its boundary is reported. Used for metrics.
func (p *Processor) SetStageObserver(fn func(stage string, duration time.Duration)) {
	p.onStage = fn
}

// SetCancelPollInterval overrides how often a running job checks the
// cancel flag. Non-positive values keep the default.
func (p *Processor) SetCancelPollInterval(d time.Duration) {
	if d > 0 {
		p.cancelPollInterval = d
	}
}

func NewProcessor(
	orch *Orchestrator,
	storage ports.ObjectStorage,
	pipeline ports.DocumentPipeline,
	workerID string,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		orch:               orch,
		storage:            storage,
		pipeline:           pipeline,
		workerID:           workerID,
		logger:             logger,
		cancelPollInterval: 3 * time.Second,
	}
}

// Process handles one queue announcement. Losing the claim race or
// receiving an announcement for a vanished job is a normal no-op; every
// other path ends in a terminal transition or leaves recovery to the
// lease sweep.
func (p *Processor) Process(ctx context.Context, msg ports.JobMessage) error {
	job, err := p.orch.Claim(ctx, msg.JobID, p.workerID)
	if err != nil {
		if domain.IsKind(err, domain.ErrAlreadyClaimed) {
			p.logger.Debug("claim lost", "job_id", msg.JobID)
			return nil
		}
		if domain.IsKind(err, domain.ErrNotFound) {
			p.logger.Warn("announced job not found", "job_id", msg.JobID)
			return nil
		}
		return fmt.Errorf("claim job %s: %w", msg.JobID, err)
	}

	log := p.logger.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.RetryCount)
	log.Info("job claimed")
	if p.onClaim != nil {
		p.onClaim(time.Since(job.CreatedAt))
	}

	run := &jobRun{
		processor: p,
		job:       job,
		log:       log,
	}
	return run.execute(ctx)
}

// jobRun carries the per-job state: the emission sequence counter and the
// cooperative-cancellation flag. One jobRun exists per claimed job, which
// is what makes per-job event ordering trivial.
type jobRun struct {
	processor *Processor
	job       *domain.Job
	log       *slog.Logger

	seq           uint64
	userCancelled atomic.Bool
}

func (r *jobRun) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *jobRun) execute(ctx context.Context) error {
	p := r.processor

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go r.extendLease(execCtx, cancel, stop)
	go r.watchCancellation(execCtx, cancel, stop)

	bundle, procErr := r.run(execCtx)

	switch {
	case procErr == nil:
		return r.finish(ctx, bundle)

	case r.userCancelled.Load():
		if err := p.orch.MarkCancelled(ctx, r.job, p.workerID, r.nextSeq()); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		r.log.Info("job cancelled by owner")
		return nil

	case ctx.Err() != nil:
		// Worker shutdown mid-job: leave the row running and let the
		// lease sweep hand it to another worker.
		r.log.Info("job abandoned during shutdown")
		return nil

	case execCtx.Err() != nil && ctx.Err() == nil:
		// Lease fenced: another worker owns the job now. Any transition
		// we attempted would be rejected with ErrNotOwner anyway.
		r.log.Warn("lease fenced mid-job, abandoning", "error", procErr)
		return nil

	default:
		if err := p.orch.Fail(ctx, r.job, p.workerID, procErr, r.nextSeq()); err != nil {
			return fmt.Errorf("record failure of job %s: %w", r.job.ID, err)
		}
		return nil
	}
}

func (r *jobRun) run(ctx context.Context) (*domain.ResultBundle, error) {
	p := r.processor

	stageStart := time.Now()
	data, err := r.download(ctx)
	if err != nil {
		return nil, err
	}

	// Each report marks the end of the stage it names, so the elapsed
	// time since the previous boundary is that stage's duration.
	report := func(stage domain.Stage, progress float64, message string) error {
		if p.onStage != nil {
			now := time.Now()
			p.onStage(string(stage), now.Sub(stageStart))
			stageStart = now
		}
		return p.orch.ReportProgress(ctx, r.job, p.workerID, stage, progress, r.nextSeq(), message)
	}
	return p.pipeline.Run(ctx, r.job, data, report)
}

func (r *jobRun) download(ctx context.Context) ([]byte, error) {
	reader, err := r.processor.storage.Open(ctx, r.job.BlobKey)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrTransientIO, "download document", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTransientIO, "read document", err)
	}
	return data, nil
}

func (r *jobRun) finish(ctx context.Context, bundle *domain.ResultBundle) error {
	p := r.processor

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal result bundle: %w", err)
	}

	resultRef := resultKeyPrefix + r.job.ID + ".json"
	if err := p.storage.Save(ctx, resultRef, bytes.NewReader(payload)); err != nil {
		saveErr := domain.WrapError(domain.ErrTransientIO, "store result bundle", err)
		if failErr := p.orch.Fail(ctx, r.job, p.workerID, saveErr, r.nextSeq()); failErr != nil {
			return fmt.Errorf("%w; record failure: %v", saveErr, failErr)
		}
		return nil
	}

	if err := p.orch.Complete(ctx, r.job, p.workerID, resultRef, r.nextSeq()); err != nil {
		return fmt.Errorf("complete job %s: %w", r.job.ID, err)
	}

	if bundle.LowQualityWarning {
		r.log.Warn("document completed with low quality warning")
	}
	r.log.Info("job completed", "result_ref", resultRef)
	return nil
}

// extendLease refreshes the lease at a third of its TTL so two extension
// opportunities remain before expiry. A fenced extension cancels the run.
func (r *jobRun) extendLease(ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}) {
	p := r.processor
	ticker := time.NewTicker(p.orch.LeaseTTL() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.orch.ExtendLease(ctx, r.job.ID, p.workerID)
			if err == nil {
				continue
			}
			if domain.IsKind(err, domain.ErrNotOwner) {
				r.log.Warn("lease extension fenced")
				cancel()
				return
			}
			r.log.Warn("lease extension failed", "error", err)
		}
	}
}

// watchCancellation polls the cancel flag so a running job stops at the
// next stage boundary instead of burning the rest of its pipeline.
func (r *jobRun) watchCancellation(ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}) {
	p := r.processor
	ticker := time.NewTicker(p.cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.orch.IsCancelRequested(ctx, r.job.ID)
			if err != nil {
				r.log.Warn("cancellation check failed", "error", err)
				continue
			}
			if requested {
				r.userCancelled.Store(true)
				cancel()
				return
			}
		}
	}
}
