package ports

import (
	"context"

	"github.com/olegsm/document-processor/internal/core/domain"
)

// JobService is the inbound contract exposed to the REST layer.
type JobService interface {
	Enqueue(ctx context.Context, doc domain.DocumentRef, ownerID string, cfg domain.JobConfig) (*domain.Job, error)
	Status(ctx context.Context, jobID string) (domain.JobSnapshot, error)
	Cancel(ctx context.Context, jobID, requesterID string) error
}

// JobProcessor is the inbound contract for the worker loop: claim the
// announced job and run it to a terminal state.
type JobProcessor interface {
	Process(ctx context.Context, msg JobMessage) error
}
