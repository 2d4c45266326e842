package domain

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition can occur.
// A failed job with retries remaining is re-queued by fail(), so by the
// time it is observed as failed it is terminal.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type Stage string

const (
	StageValidate Stage = "validate"
	StageExtract  Stage = "extract"
	StageClean    Stage = "clean"
	StageAnalyze  Stage = "analyze"
	StageDone     Stage = "completed"
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Job is the unit of processing work. All mutations go through the
// orchestrator's version-checked repository updates; Version is the
// optimistic concurrency counter backing those updates.
// DocumentRef is the slice of an external document the pipeline needs:
// identity, the blob-store key holding its raw bytes, and the original
// filename used for format detection.
type DocumentRef struct {
	ID       string `json:"id"`
	BlobKey  string `json:"blob_key"`
	Filename string `json:"filename"`
}

type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	BlobKey    string    `json:"blob_key"`
	Filename   string    `json:"filename"`
	OwnerID    string    `json:"owner_id"`
	Status     JobStatus `json:"status"`
	Stage      Stage     `json:"stage"`
	Progress   float64   `json:"progress"`
	Priority   int       `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	WorkerID        string     `json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	ErrorMessage string `json:"error_message,omitempty"`
	ResultRef    string `json:"result_ref,omitempty"`

	Config JobConfig `json:"config"`

	Version     int        `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobConfig selects which analyzers run and tunes their output sizes.
// Zero values mean "use defaults"; an explicitly skipped analyzer is
// recorded as skipped in the result bundle rather than silently absent.
type JobConfig struct {
	SkipAnalyzers    []string `json:"skip_analyzers,omitempty" yaml:"skip_analyzers"`
	KeywordCount     int      `json:"keyword_count,omitempty" yaml:"keyword_count"`
	SummaryMaxLength int      `json:"summary_max_length,omitempty" yaml:"summary_max_length"`
	Categories       []string `json:"categories,omitempty" yaml:"categories"`
}

func (c JobConfig) Skips(analyzer string) bool {
	for _, name := range c.SkipAnalyzers {
		if name == analyzer {
			return true
		}
	}
	return false
}

// ClampProgress bounds a reported progress value to [0, 1]. Out-of-range
// values are stored clamped, never rejected.
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// JobSnapshot is the read model returned to status queries.
type JobSnapshot struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"document_id"`
	Status       JobStatus  `json:"status"`
	Stage        Stage      `json:"stage"`
	Progress     float64    `json:"progress"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultRef    string     `json:"result_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		ID:           j.ID,
		DocumentID:   j.DocumentID,
		Status:       j.Status,
		Stage:        j.Stage,
		Progress:     j.Progress,
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
		ResultRef:    j.ResultRef,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}
