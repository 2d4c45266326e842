package ports

import (
	"context"
	"io"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// JobRepository persists job state. Every mutation is an atomic conditional
// update: the WHERE clause carries the expected status and lease owner, and
// implementations report whether the row actually changed so callers can
// distinguish lost races from success.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// Claim transitions queued → running (or re-claims an expired lease)
	// for exactly one caller. Losing callers get domain.ErrAlreadyClaimed.
	Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error)

	// ExtendLease refreshes the lease expiry. Returns domain.ErrNotOwner
	// when the lease has been fenced (expired and reclaimed, or the job
	// left the running state).
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// UpdateProgress persists stage/progress for the current lease holder.
	UpdateProgress(ctx context.Context, jobID, workerID string, stage domain.Stage, progress float64) error

	// Complete transitions running → completed. updated=false with no error
	// means the conditional update matched no row; the caller decides
	// whether that is idempotent success or a fencing violation.
	Complete(ctx context.Context, jobID, workerID, resultRef string) (updated bool, err error)

	// FailTerminal transitions running → failed permanently.
	FailTerminal(ctx context.Context, jobID, workerID, errMessage string) (updated bool, err error)

	// Requeue resets a failed attempt back to queued, incrementing
	// retry_count and deferring availability to availableAt.
	Requeue(ctx context.Context, jobID, workerID, errMessage string, availableAt time.Time) (updated bool, err error)

	// RequestCancel cancels a queued job outright and flags a running job
	// for cooperative cancellation. Returns the job as observed.
	RequestCancel(ctx context.Context, jobID string) (*domain.Job, error)

	// MarkCancelled finalizes a running job whose worker observed the
	// cancel flag and stopped.
	MarkCancelled(ctx context.Context, jobID, workerID string) (updated bool, err error)

	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	// RequeueExpired re-queues running jobs whose lease has lapsed
	// (crashed workers), incrementing retry_count. Jobs that are out of
	// retry budget are failed terminally instead and returned with
	// status failed.
	RequeueExpired(ctx context.Context, limit int) ([]*domain.Job, error)

	// ReannounceStale returns claimable queued jobs untouched since
	// before cutoff, bumping updated_at so concurrent sweepers do not
	// pick the same rows. These are jobs whose queue announcement was
	// lost; the caller announces them again.
	ReannounceStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
}

// ObjectStorage is the opaque blob store holding document bytes and
// result bundles.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// JobMessage is the queue payload pointing a worker at a claimable job.
type JobMessage struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
}

// JobQueue transports job announcements from the api process to workers
// and progress events back. Delivery is at-least-once for jobs (recovery
// is owned by the lease sweep) and at-most-once for progress.
type JobQueue interface {
	PublishJob(ctx context.Context, msg JobMessage) error
	SubscribeJobs(ctx context.Context, handler func(context.Context, JobMessage) error) error
	PublishProgress(ctx context.Context, event domain.ProgressEvent) error
	SubscribeProgress(ctx context.Context, handler func(context.Context, domain.ProgressEvent)) error
}

// TextExtractor turns raw document bytes into plain text, dispatching on
// the filename's format. Unsupported formats fail with
// domain.ErrUnsupportedFormat.
type TextExtractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// Analyzer is one pluggable analysis pass over cleaned text. Analyzers are
// independent of each other's output and may run concurrently.
type Analyzer interface {
	Name() string
	Timeout() time.Duration
	Analyze(ctx context.Context, text string, cfg domain.JobConfig) (domain.AnalysisResult, error)
}

// StageProgressFunc is invoked by the pipeline at every stage boundary.
// Returning an error aborts the run; the pipeline propagates it unchanged.
type StageProgressFunc func(stage domain.Stage, progress float64, message string) error

// DocumentPipeline runs the stage chain over raw document bytes and
// produces the final result bundle.
type DocumentPipeline interface {
	Run(ctx context.Context, job *domain.Job, data []byte, report StageProgressFunc) (*domain.ResultBundle, error)
}

// EventSink receives every progress event the orchestrator emits. The
// worker binds it to the queue's progress subject; the api process binds
// it to the in-memory fan-out hub.
type EventSink interface {
	Publish(ctx context.Context, event domain.ProgressEvent)
}
