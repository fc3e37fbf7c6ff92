// Package main provides the worker entry point: queue consumers for every
// task kind plus the periodic check-events schedule.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ntt-orchestrator/internal/app"
	"github.com/ntt-orchestrator/internal/config"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/scanner"
	"github.com/ntt-orchestrator/internal/worker"
)

func main() {
	fmt.Println("NTT Orchestrator Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	orchestrator, err := app.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize orchestrator")
	}
	defer orchestrator.Close()

	processor, err := worker.NewProcessor(&worker.ProcessorConfig{
		Registry:    orchestrator.Registry,
		Queues:      orchestrator.Queues,
		Calls:       orchestrator.Calls,
		Concurrency: cfg.Queue.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create processor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := processor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start processor")
	}

	var scheduler *scanner.Scheduler
	if cfg.Scanner.Schedule != "" {
		scheduler, err = scanner.NewScheduler(&scanner.SchedulerConfig{
			Spec:    cfg.Scanner.Schedule,
			Starter: orchestrator.Tasks,
			Status:  orchestrator.Tasks,
			Params:  scanner.Params{Networks: cfg.Scanner.Networks},
			Logger:  logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scheduler")
		}
		if err := scheduler.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start scheduler")
		}
		logger.WithField("schedule", cfg.Scanner.Schedule).Info("check-events scheduled")
	} else {
		logger.Warn("SCANNER_SCHEDULE is empty, check-events only runs on request")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics listener stopped")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"concurrency": cfg.Queue.Concurrency,
		"metrics":     cfg.Metrics.Addr,
	}).Info("Worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker...")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := processor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Processor did not stop cleanly")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics listener did not stop cleanly")
	}

	logger.Info("Worker stopped")
}
