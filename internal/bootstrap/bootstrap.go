// Package bootstrap wires shared infrastructure for the api and worker
// binaries: postgres, object storage, the NATS queue, and the pipeline.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegsm/document-processor/internal/config"
	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/core/ports"
	"github.com/olegsm/document-processor/internal/core/usecase"
	"github.com/olegsm/document-processor/internal/infrastructure/extractor"
	"github.com/olegsm/document-processor/internal/infrastructure/queue/nats"
	"github.com/olegsm/document-processor/internal/infrastructure/repository/postgres"
	"github.com/olegsm/document-processor/internal/infrastructure/resilience"
	"github.com/olegsm/document-processor/internal/infrastructure/storage/localfs"
	miniostorage "github.com/olegsm/document-processor/internal/infrastructure/storage/minio"
	"github.com/olegsm/document-processor/internal/pipeline"
	"github.com/olegsm/document-processor/internal/pipeline/analyzers"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	DB      *sql.DB
	Repo    *postgres.JobRepository
	Queue   *nats.Queue
	Storage ports.ObjectStorage

	closeFn func()
}

// New builds the infrastructure both binaries share. The caller chooses
// the EventSink and constructs the orchestrator via NewOrchestrator, since
// the api and worker bind progress events differently.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewJobRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSJobsSubject, cfg.NATSProgressSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Repo:    repo,
		Queue:   queue,
		Storage: storage,
		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func newStorage(ctx context.Context, cfg config.Config) (ports.ObjectStorage, error) {
	switch cfg.StorageBackend {
	case "minio":
		return miniostorage.New(ctx, miniostorage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	case "localfs", "":
		return localfs.New(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// NewOrchestrator assembles the job orchestrator around the shared infra
// and the given event sink.
func (a *App) NewOrchestrator(sink ports.EventSink) *usecase.Orchestrator {
	return usecase.NewOrchestrator(a.Repo, a.Queue, sink, a.Logger, a.Config.LeaseTTL)
}

// NewPipeline builds the document pipeline with the analyzer set and
// limits from the YAML overrides.
func (a *App) NewPipeline(pf config.PipelineFile) *pipeline.Pipeline {
	timeout := time.Duration(pf.AnalyzerTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	categories := analyzers.DefaultCategoryKeywords()
	for name, keywords := range pf.CategoryKeywords {
		categories[name] = keywords
	}

	all := []ports.Analyzer{
		analyzers.NewKeywordAnalyzer(timeout),
		analyzers.NewEntityAnalyzer(timeout),
		analyzers.NewSentimentAnalyzer(timeout),
		analyzers.NewClassificationAnalyzer(categories, timeout),
		analyzers.NewSummaryAnalyzer(timeout),
	}

	active := make([]ports.Analyzer, 0, len(all))
	skip := domain.JobConfig{SkipAnalyzers: pf.SkipAnalyzers}
	for _, a := range all {
		if skip.Skips(a.Name()) {
			continue
		}
		active = append(active, a)
	}

	opts := pipeline.Options{
		MaxConcurrentAnalyzers: pf.MaxConcurrentAnalyzers,
	}
	if pf.MaxDocumentMB > 0 {
		opts.MaxDocumentBytes = int64(pf.MaxDocumentMB) << 20
	}
	return pipeline.New(extractor.NewRegistry(), active, opts, a.Logger)
}

// QueueSink routes progress events onto the NATS progress subject, where
// every api process picks them up for its connected clients. Publish
// failures are logged and dropped: progress is advisory, job state in
// postgres stays authoritative.
func (a *App) QueueSink() ports.EventSink {
	return &queueSink{queue: a.Queue, logger: a.Logger}
}

type queueSink struct {
	queue  *nats.Queue
	logger *slog.Logger
}

func (s *queueSink) Publish(ctx context.Context, event domain.ProgressEvent) {
	if err := s.queue.PublishProgress(ctx, event); err != nil {
		s.logger.Warn("drop progress event", "job_id", event.JobID, "seq", event.Seq, "error", err)
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
