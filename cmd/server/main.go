// Package main provides the API server entry point for the NTT orchestrator.
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

	"github.com/ntt-orchestrator/internal/api"
	"github.com/ntt-orchestrator/internal/app"
	"github.com/ntt-orchestrator/internal/config"
	"github.com/ntt-orchestrator/internal/logging"
)

func main() {
	fmt.Println("NTT Orchestrator API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	logger.Info("Connecting to PostgreSQL and Redis...")
	orchestrator, err := app.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize orchestrator")
	}
	defer orchestrator.Close()

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		ExportDir:         cfg.Export.Dir,
	}

	server := api.NewServer(serverConfig, &api.Dependencies{
		Tasks:  orchestrator.Tasks,
		Queues: orchestrator.Queues,
		Checks: orchestrator.HealthChecks(),
		Logger: logger,
	})

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":  cfg.Server.Host,
		"port":  cfg.Server.Port,
		"tasks": orchestrator.Registry.Names(),
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
