package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lpernett/godotenv"
	"golang.org/x/time/rate"

	"github.com/olegsm/document-processor/internal/bootstrap"
	"github.com/olegsm/document-processor/internal/config"
	"github.com/olegsm/document-processor/internal/core/ports"
	"github.com/olegsm/document-processor/internal/core/usecase"
	"github.com/olegsm/document-processor/internal/observability/logging"
	"github.com/olegsm/document-processor/internal/observability/metrics"
)

const processTimeout = 10 * time.Minute

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	pf, err := config.LoadPipelineFile(cfg.PipelineConfigPath)
	if err != nil {
		log.Fatalf("pipeline config error: %v", err)
	}

	orch := app.NewOrchestrator(app.QueueSink())
	pipe := app.NewPipeline(pf)
	processor := usecase.NewProcessor(orch, app.Storage, pipe, cfg.WorkerID, logger)
	processor.SetCancelPollInterval(cfg.CancelPollInterval)

	m := metrics.NewWorkerMetrics("worker")
	processor.SetClaimObserver(func(lag time.Duration) {
		m.ObserveQueueLag("worker", lag)
	})
	processor.SetStageObserver(func(stage string, duration time.Duration) {
		m.ObserveStage("worker", stage, duration)
	})

	metricsServer := startMetricsServer(cfg.WorkerMetricsPort, m)
	go runSweepLoop(ctx, orch, m, cfg, logger)

	logger.Info("worker started",
		"worker_id", cfg.WorkerID,
		"jobs_subject", cfg.NATSJobsSubject,
		"lease_ttl", cfg.LeaseTTL.String(),
	)

	err = app.Queue.SubscribeJobs(ctx, func(handlerCtx context.Context, msg ports.JobMessage) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, processTimeout)
		defer cancel()

		start := time.Now()
		m.StartJob()
		procErr := processor.Process(processCtx, msg)

		status := "success"
		if procErr != nil {
			status = "error"
		}
		m.FinishJob("worker", status, time.Since(start))
		return procErr
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

// runSweepLoop periodically recovers jobs whose worker died mid-lease.
// The limiter keeps a fleet of workers from stampeding the jobs table
// when many sweeps align.
func runSweepLoop(ctx context.Context, orch *usecase.Orchestrator, m *metrics.WorkerMetrics, cfg config.Config, logger *slog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(cfg.SweepRatePerSecond), 1)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			requeued, err := orch.SweepExpiredLeases(ctx, cfg.SweepBatchLimit)
			if err != nil {
				logger.Warn("lease sweep failed", "error", err)
				continue
			}
			for i := 0; i < requeued; i++ {
				m.RecordSwept("worker", "requeued")
			}
		}
	}
}

func startMetricsServer(port string, m *metrics.WorkerMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return server
}
