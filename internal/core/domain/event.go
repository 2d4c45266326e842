package domain

import "time"

// ProgressEvent is the immutable push message emitted on every job state
// transition. Seq is assigned by the single worker holding the job's lease,
// so per-job emission order is observable by subscribers.
type ProgressEvent struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	OwnerID   string    `json:"owner_id"`
	Status    JobStatus `json:"status"`
	Stage     Stage     `json:"stage"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

const EventTypeProcessingUpdate = "processing_update"

func NewProgressEvent(job *Job, seq uint64, message string) ProgressEvent {
	return ProgressEvent{
		Type:      EventTypeProcessingUpdate,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Status:    job.Status,
		Stage:     job.Stage,
		Progress:  job.Progress,
		Message:   message,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}
