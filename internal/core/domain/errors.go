package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input. Never retried.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound marks a missing job or document. Surfaced to the caller.
	ErrNotFound = errors.New("not found")
	// ErrTransientIO marks infrastructure failures (blob store, queue,
	// persistence) that are worth retrying with backoff.
	ErrTransientIO = errors.New("transient io failure")
	// ErrTransientAnalysis marks an analyzer dependency being temporarily
	// unavailable. Retryable, bounded by the job's max retries.
	ErrTransientAnalysis = errors.New("transient analysis failure")
	// ErrAlreadyClaimed is returned when a claim loses the race for a job.
	// Expected under contention; callers back off and move on.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrNotOwner is returned when a worker mutates a job whose lease it no
	// longer holds. Surfaced, never retried.
	ErrNotOwner = errors.New("worker does not hold job lease")
	// ErrUnsupportedFormat marks input the pipeline cannot ever process.
	// Fatal for the job: retrying will not change the outcome.
	ErrUnsupportedFormat = errors.New("unsupported document format")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsRetryable reports whether a processing error should re-queue the job
// (subject to the retry budget) rather than fail it permanently.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO) || errors.Is(err, ErrTransientAnalysis)
}
