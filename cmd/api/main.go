package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lpernett/godotenv"

	httpadapter "github.com/olegsm/document-processor/internal/adapters/http"
	"github.com/olegsm/document-processor/internal/adapters/ws"
	"github.com/olegsm/document-processor/internal/bootstrap"
	"github.com/olegsm/document-processor/internal/config"
	"github.com/olegsm/document-processor/internal/core/domain"
	"github.com/olegsm/document-processor/internal/notify"
	"github.com/olegsm/document-processor/internal/observability/logging"
	"github.com/olegsm/document-processor/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	hub := notify.NewHub(logger)

	// All progress events, including this process's own enqueue/cancel
	// emissions, travel over NATS so every api instance serves the same
	// stream to its websocket clients.
	orch := app.NewOrchestrator(app.QueueSink())
	go func() {
		err := app.Queue.SubscribeProgress(ctx, func(eventCtx context.Context, event domain.ProgressEvent) {
			if err := hub.Publish(eventCtx, event); err == nil {
				httpMetrics.RecordEventDelivered("api")
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("progress subscription ended", "error", err)
		}
	}()

	wsServer := ws.NewServer(hub, logger, httpMetrics, cfg.WSPingInterval)
	router := httpadapter.NewRouter(orch, app.Storage, httpMetrics, httpadapter.Options{
		MaxUploadMB: cfg.MaxUploadMB,
	})
	handler := router.Handler(
		wsServer.Register,
		func(r *mux.Router) {
			r.Handle("/metrics", httpMetrics.Handler()).Methods(http.MethodGet)
		},
	)

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
}
