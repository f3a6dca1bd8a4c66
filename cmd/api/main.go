package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/api"
	"github.com/skystack/engine/internal/api/handlers"
	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/provider/awsnative"
	"github.com/skystack/engine/internal/provider/terraform"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/repository"
	"github.com/skystack/engine/internal/services"
	"github.com/skystack/engine/internal/workspace"
	"github.com/skystack/engine/pkg/config"
	"github.com/skystack/engine/pkg/database"
	"github.com/skystack/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting deployment engine api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: 0}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// The accept path resolves providers to fail fast on bad credentials,
	// so the api process registers the same provider table as the worker.
	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot, cfg.RetainWorkspaces)
	if err != nil {
		log.Fatal("failed to prepare workspace root", zap.Error(err))
	}
	terraform.RegisterAll(terraform.Deps{
		Workspaces:   workspaces,
		Binary:       cfg.TerraformBin,
		PhaseTimeout: cfg.PhaseTimeout,
	})
	awsnative.Register()

	cat, err := catalog.NewFSCatalog(cfg.TemplatesRoot)
	if err != nil {
		log.Fatal("failed to load template catalog", zap.Error(err))
	}

	repo := repository.NewDeploymentRepository(db)
	svc := services.NewDeploymentService(repo, cat, asynqClient, inspector, cfg)
	hub := relay.NewHub()

	router := api.NewRouter(api.Dependencies{
		HealthHandler:      handlers.NewHealthHandler(db, rdb),
		DeploymentsHandler: handlers.NewDeploymentsHandler(svc),
		ProvidersHandler:   handlers.NewProvidersHandler(svc),
		GroupsHandler:      handlers.NewGroupsHandler(services.NewGroupService(cfg)),
		StreamHandler:      handlers.NewStreamHandler(svc, hub),
	})

	// No WriteTimeout: SSE streams stay open for the lifetime of a job.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
