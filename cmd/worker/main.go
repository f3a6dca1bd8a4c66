package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/provider/awsnative"
	"github.com/skystack/engine/internal/provider/terraform"
	"github.com/skystack/engine/internal/queue/tasks"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/repository"
	"github.com/skystack/engine/internal/services"
	"github.com/skystack/engine/internal/workspace"
	"github.com/skystack/engine/pkg/config"
	"github.com/skystack/engine/pkg/database"
	"github.com/skystack/engine/pkg/logger"
)

// retryDelay backs off exponentially from 5s, capped at 5m. Lock contention
// is the common retry cause and terraform state locks clear on that scale.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := time.Duration(math.Pow(2, float64(n))) * 5 * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting deployment engine worker",
		zap.String("env", cfg.AppEnv),
		zap.Int("concurrency", cfg.AsynqConcurrency),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

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
	hub := relay.NewHub()
	handler := tasks.NewDeployTaskHandler(repo, cat, hub, cfg)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency:    cfg.AsynqConcurrency,
			RetryDelayFunc: retryDelay,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(services.TaskProvision, handler.HandleProvision)
	mux.HandleFunc(services.TaskDestroy, handler.HandleDestroy)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("worker stopped with error", zap.Error(err))
	}

	srv.Shutdown()
}
