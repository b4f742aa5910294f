package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/internal/logging"
	"vm-broker/backend/internal/reconciler"
	"vm-broker/backend/internal/repository"
	"vm-broker/backend/internal/services"
)

// app holds the wired dependencies shared by serve and reconcile.
type app struct {
	store    repository.RequestStore
	requests *services.RequestService
	loop     *reconciler.Reconciler
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{}
	store, closeStore, err := repository.Open(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)
	logger.Info("Request store ready", "driver", cfg.DB.Driver)

	tickets, err := services.NewJiraClient(ctx, cfg.Jira, cfg.Clients.Timeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	pipelines, err := services.NewGitLabClient(cfg.GitLab, cfg.Clients.Timeout)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.requests = services.NewRequestService(store, tickets, pipelines, logger.With("component", "requests"))
	a.loop = reconciler.New(store, tickets, pipelines, a.passLocker(ctx, cfg, logger),
		logger.With("component", "reconciler"), reconciler.Options{
			PipelineInterval: cfg.Reconciler.PipelineInterval,
			WorkflowInterval: cfg.Reconciler.WorkflowInterval,
			PipelineWindow:   cfg.Reconciler.PipelineWindow,
			WorkflowWindow:   cfg.Reconciler.WorkflowWindow,
			ClientTimeout:    cfg.Clients.Timeout,
		})
	return a, nil
}

// passLocker guards reconciliation passes with Redis when it is configured
// and reachable. Without it every replica runs every pass.
func (a *app) passLocker(ctx context.Context, cfg *config.Config, logger *logging.Logger) reconciler.PassLocker {
	if cfg.Redis.Addr == "" {
		return reconciler.NoopLocker{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, reconciler passes run unguarded", "addr", cfg.Redis.Addr, "error", err)
		client.Close()
		return reconciler.NoopLocker{}
	}
	a.closers = append(a.closers, func() { client.Close() })
	return reconciler.NewRedisLocker(client, "vm-broker:reconciler:", cfg.Reconciler.LockTTL)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
