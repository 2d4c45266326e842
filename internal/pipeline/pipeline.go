// Package pipeline implements the document stage chain:
// validate → extract → clean → analyze. Stages run sequentially for a
// single job; independent analyzers inside the analyze stage run
// concurrently under a bounded semaphore.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
	"github.com/olegsm/document-processor/internal/pipeline/textutil"
)

// Per-stage-boundary progress fractions. The analyze stage distributes
// the remaining span evenly across enabled analyzers.
const (
	progressValidate = 0.1
	progressExtract  = 0.3
	progressClean    = 0.4
)

type Options struct {
	MaxDocumentBytes       int64
	MaxConcurrentAnalyzers int
}

func (o Options) normalize() Options {
	if o.MaxDocumentBytes <= 0 {
		o.MaxDocumentBytes = 50 << 20
	}
	if o.MaxConcurrentAnalyzers <= 0 {
		o.MaxConcurrentAnalyzers = 3
	}
	return o
}

type Pipeline struct {
	extractor ports.TextExtractor
	analyzers []ports.Analyzer
	opts      Options
	logger    *slog.Logger
}

func New(extractor ports.TextExtractor, analyzers []ports.Analyzer, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		analyzers: analyzers,
		opts:      opts.normalize(),
		logger:    logger,
	}
}

// Run executes the stage chain. The report callback fires at every stage
// boundary from the calling goroutine only, which preserves per-job event
// order. A zero-content document is not an error: it completes with an
// empty bundle flagged low-quality.
func (p *Pipeline) Run(
	ctx context.Context,
	job *domain.Job,
	data []byte,
	report ports.StageProgressFunc,
) (*domain.ResultBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.validate(job, data); err != nil {
		return nil, err
	}
	if err := report(domain.StageValidate, progressValidate, "starting document processing"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := p.extractor.Extract(ctx, job.Filename, data)
	if err != nil {
		return nil, err
	}
	if err := report(domain.StageExtract, progressExtract, "text extracted, cleaning"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cleaned := textutil.Clean(text)
	bundle := newBundle(job.DocumentID, cleaned)
	if err := report(domain.StageClean, progressClean, "text cleaned, performing analysis"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cleaned == "" {
		bundle.LowQualityWarning = true
		for _, a := range p.analyzers {
			bundle.Skipped = append(bundle.Skipped, a.Name())
		}
		p.logger.Warn("empty document after cleaning", "job_id", job.ID, "document_id", job.DocumentID)
		return bundle, nil
	}

	if err := p.analyze(ctx, job, cleaned, bundle, report); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (p *Pipeline) validate(job *domain.Job, data []byte) error {
	if job.Filename == "" {
		return domain.WrapError(domain.ErrValidation, "validate document", errors.New("filename is required for format detection"))
	}
	if int64(len(data)) > p.opts.MaxDocumentBytes {
		return domain.WrapError(domain.ErrValidation, "validate document",
			fmt.Errorf("document size %d exceeds limit %d", len(data), p.opts.MaxDocumentBytes))
	}
	return nil
}

type analyzerOutcome struct {
	name   string
	result domain.AnalysisResult
	err    error
}

// analyze fans the enabled analyzers out under a concurrency bound and
// merges results as they arrive. Merging and progress reporting happen on
// this goroutine, so emission stays ordered. The first failure cancels the
// remaining analyzers; every started analyzer is always drained.
func (p *Pipeline) analyze(
	ctx context.Context,
	job *domain.Job,
	text string,
	bundle *domain.ResultBundle,
	report ports.StageProgressFunc,
) error {
	var active []ports.Analyzer
	for _, a := range p.analyzers {
		if job.Config.Skips(a.Name()) {
			bundle.Skipped = append(bundle.Skipped, a.Name())
			continue
		}
		active = append(active, a)
	}
	if len(active) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.opts.MaxConcurrentAnalyzers)
	outcomes := make(chan analyzerOutcome, len(active))

	for _, a := range active {
		go func(a ports.Analyzer) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				outcomes <- analyzerOutcome{name: a.Name(), err: runCtx.Err()}
				return
			}

			aCtx, aCancel := context.WithTimeout(runCtx, a.Timeout())
			defer aCancel()

			result, err := a.Analyze(aCtx, text, job.Config)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && runCtx.Err() == nil {
				err = domain.WrapError(domain.ErrTransientAnalysis, a.Name(), err)
			}
			outcomes <- analyzerOutcome{name: a.Name(), result: result, err: err}
		}(a)
	}

	var firstErr error
	share := (1.0 - progressClean) / float64(len(active))
	done := 0

	for range active {
		out := <-outcomes
		if out.err != nil {
			if firstErr == nil && !errors.Is(out.err, context.Canceled) {
				firstErr = out.err
				cancel()
			}
			continue
		}
		if firstErr != nil {
			continue
		}

		mergeResult(bundle, out.result)
		done++
		progress := progressClean + share*float64(done)
		if err := report(domain.StageAnalyze, progress, out.name+" analysis complete"); err != nil {
			firstErr = err
			cancel()
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func newBundle(documentID, cleaned string) *domain.ResultBundle {
	tokens := textutil.Tokenize(cleaned)
	sentences := textutil.SplitSentences(cleaned)

	avg := 0.0
	if len(sentences) > 0 {
		avg = float64(len(tokens)) / float64(len(sentences))
	}

	return &domain.ResultBundle{
		DocumentID:     documentID,
		CleanedLength:  len(cleaned),
		WordCount:      len(tokens),
		SentenceCount:  len(sentences),
		UniqueWords:    textutil.UniqueCount(tokens),
		AvgSentenceLen: avg,
		ProcessedAt:    time.Now().UTC(),
	}
}

func mergeResult(bundle *domain.ResultBundle, result domain.AnalysisResult) {
	if result.Entities != nil {
		bundle.Entities = result.Entities
	}
	if result.Sentiment != nil {
		bundle.Sentiment = result.Sentiment
	}
	if result.Classification != nil {
		bundle.Classification = result.Classification
	}
	if result.Keywords != nil {
		bundle.Keywords = result.Keywords
	}
	if result.Summary != "" {
		bundle.Summary = result.Summary
	}
}
