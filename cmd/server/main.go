package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/config"
	"github.com/examgate/examgate/internal/database"
	"github.com/examgate/examgate/internal/handler"
	"github.com/examgate/examgate/internal/hub"
	"github.com/examgate/examgate/internal/logger"
	"github.com/examgate/examgate/internal/repository"
	"github.com/examgate/examgate/internal/router"
	"github.com/examgate/examgate/internal/service"
	"github.com/examgate/examgate/internal/validator"
	"github.com/examgate/examgate/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExamGate")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	workflowRepo := repository.NewWorkflowRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	monitorRepo := repository.NewMonitoringRepository(pool)
	accountRepo := repository.NewAccountRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	monitorHub := hub.New(cfg.MonitorBufferSize, log)

	authService := service.NewAuthService(cfg, rdb)
	workflowService := service.NewWorkflowService(workflowRepo, examRepo, monitorHub, rdb, log)
	sessionService := service.NewSessionService(sessionRepo, responseRepo, workflowRepo, examRepo, rdb, log, cfg.GracePeriod)
	monitorService := service.NewMonitorService(monitorRepo, sessionRepo, responseRepo, sessionService, monitorHub, rdb, log, cfg.HighDeliveryTimeout)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:     handler.NewAuthHandler(authService, accountRepo),
		Workflow: handler.NewWorkflowHandler(workflowService),
		Session:  handler.NewSessionHandler(sessionService),
		Monitor:  handler.NewMonitorHandler(rdb, workflowService, sessionService, monitorService, log),
		WS:       handler.NewWSHandler(rdb, sessionService, monitorService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	responseWorker := worker.NewResponseWorker(pool, rdb, log)
	eventWorker := worker.NewEventWorker(pool, rdb, log)
	sweepWorker := worker.NewSweepWorker(sessionRepo, monitorService, log, cfg.SweepInterval, cfg.InactivityThreshold)

	go responseWorker.Start(workerCtx)
	go eventWorker.Start(workerCtx)
	go sweepWorker.Start(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
