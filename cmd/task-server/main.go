// cmd/task-server — 任务引擎主入口。
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kb-console/go-task-engine/internal/bus"
	"github.com/kb-console/go-task-engine/internal/config"
	"github.com/kb-console/go-task-engine/internal/database"
	"github.com/kb-console/go-task-engine/internal/executor"
	"github.com/kb-console/go-task-engine/internal/monitor"
	"github.com/kb-console/go-task-engine/internal/poller"
	"github.com/kb-console/go-task-engine/internal/queue"
	"github.com/kb-console/go-task-engine/internal/server"
	"github.com/kb-console/go-task-engine/internal/store"
	"github.com/kb-console/go-task-engine/internal/task"
	"github.com/kb-console/go-task-engine/pkg/logger"
	"github.com/kb-console/go-task-engine/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.Env)

	msgBus := bus.NewMessageBus()

	// Postgres 配置缺省时退回内存 store (任务不跨重启恢复)
	var st store.Store
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
			logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
		}
		st = store.NewPostgres(pool)
	} else {
		logger.Warn("POSTGRES_CONNECTION_STRING not set, using in-memory store")
		st = store.NewMemory()
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSec) * time.Second}

	docPoller := poller.New(cfg.ConsoleAPIBaseURL, httpClient, st, msgBus)
	docPoller.SetInterval(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	defer docPoller.Shutdown()

	registry := executor.NewRegistry()
	executor.RegisterDefaults(registry, executor.Deps{
		BaseURL: cfg.ConsoleAPIBaseURL,
		HTTP:    httpClient,
		Tracker: docPoller,
	})

	policy := task.RetryPolicy{
		MaxRetries:        cfg.QueueMaxRetries,
		RetryableStatuses: task.DefaultRetryPolicy().RetryableStatuses,
		BlockingStatuses:  task.DefaultRetryPolicy().BlockingStatuses,
		Backoff: task.Backoff{
			BaseDelayMS: cfg.BackoffBaseMs,
			MaxDelayMS:  cfg.BackoffMaxMs,
			Multiplier:  2,
		},
	}
	q, err := queue.New(ctx, queue.Options{
		Concurrency:        cfg.QueueConcurrency,
		DefaultRetryPolicy: &policy,
		Registry:           registry,
		Store:              st,
		Bus:                msgBus,
	})
	if err != nil {
		logger.Fatal("queue init failed", logger.Any(logger.FieldError, err))
	}
	defer q.Shutdown()

	janitor := monitor.New(st, msgBus,
		time.Duration(cfg.TaskTTLHours)*time.Hour, cfg.TaskMaxKeep, 0)
	janitor.Start(ctx)

	srv := server.NewServer(server.Options{
		Queue:          q,
		Store:          st,
		Bus:            msgBus,
		CleanupTTL:     time.Duration(cfg.TaskTTLHours) * time.Hour,
		CleanupMaxKeep: cfg.TaskMaxKeep,
		Chat: server.ChatConfig{
			ConsoleBaseURL:  cfg.ConsoleAPIBaseURL,
			RAGFlowBaseURL:  cfg.RAGFlowBaseURL,
			RAGFlowAPIKey:   cfg.RAGFlowAPIKey,
			RAGFlowJWTToken: cfg.RAGFlowJWTToken,
		},
	})

	logger.Info("task server starting", logger.FieldAddr, cfg.ListenAddr)
	util.SafeGo(func() {
		if err := srv.Run(cfg.ListenAddr); err != nil {
			logger.Fatal("server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
