// Command server runs the prompt-gauntlet service: the channel webhook,
// the worker pool draining the attempt queue, and the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/ai"
	aireal "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/ai/real"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/channel/inmem"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/channel/webhook"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/content"
	httpserver "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/httpserver"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/queue"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/prompt-gauntlet/internal/app"
	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
	"github.com/fairyhunter13/prompt-gauntlet/internal/service/ratelimiter"
	"github.com/fairyhunter13/prompt-gauntlet/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Content documents must validate before the service accepts traffic.
	provider := content.New(cfg.ContentDir)
	if err := provider.Reload(ctx); err != nil {
		slog.Error("content load failed", slog.String("dir", cfg.ContentDir), slog.Any("error", err))
		os.Exit(1)
	}
	activity := provider.Activity()

	users := postgres.NewUserRepo(pool)
	sessions := postgres.NewSessionRepo(pool)
	progress := postgres.NewProgressRepo(pool)
	rewards := postgres.NewRewardRepo(pool)
	tasks := postgres.NewTaskRepo(pool)
	events := postgres.NewEventRepo(pool)
	stats := postgres.NewStatsRepo(pool)
	finalize := postgres.NewFinalizeStore(pool)

	if _, err := rewards.SyncItems(ctx, usecase.ItemsFromContent(provider)); err != nil {
		slog.Error("reward inventory sync failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Redis backs the upstream call budget. Without it the LLM client
	// relies on provider-side limits alone.
	var rdb *redis.Client
	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		rl := ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
			"llm:generate": ratelimiter.NewBucketConfigFromPerMinute(cfg.LLMRPMGenerate),
			"llm:judge":    ratelimiter.NewBucketConfigFromPerMinute(cfg.LLMRPMJudge),
		})
		if err := rl.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limit bucket warm failed", slog.Any("error", err))
		}
		limiter = rl
	}

	var llm domain.LLM
	if cfg.LLMProvider == "mock" {
		llm = ai.NewMock()
		slog.Info("llm client: mock provider")
	} else {
		llm = aireal.New(cfg, limiter)
		slog.Info("llm client ready", slog.String("provider", cfg.LLMProvider), slog.String("base_url", cfg.LLMBaseURL))
	}

	var channel domain.Channel
	if cfg.ChannelSinkURL != "" {
		channel = webhook.NewSender(cfg.ChannelSinkURL, cfg.ChannelSendTimeout)
	} else {
		channel = inmem.New()
		slog.Warn("channel sink url not set, replies go to the in-memory channel")
	}

	// Queue capacity and worker count come from the activity document.
	q := queue.NewDurable(activity.GlobalLimits.QueueMaxLength)
	if loaded, err := q.Rehydrate(ctx, tasks); err != nil {
		slog.Error("queue rehydrate failed", slog.Any("error", err))
		os.Exit(1)
	} else if loaded > 0 {
		slog.Info("resumed persisted backlog", slog.Int("tasks", loaded))
	}

	rewardGate := &usecase.RewardGate{}
	engine := &usecase.Engine{
		Sessions:   sessions,
		Rewards:    rewards,
		Tasks:      tasks,
		Events:     events,
		Finalize:   finalize,
		Content:    provider,
		LLM:        llm,
		Grader:     usecase.NewGrader(llm),
		Channel:    channel,
		RewardGate: rewardGate,
	}
	workers := queue.NewPool(q, engine, activity.GlobalLimits.WorkerConcurrency, cfg.WorkerDrainTimeout)

	gate := &usecase.ActivityGate{}
	admission := usecase.NewAdmission(users, sessions, progress, rewards, events, provider, q, channel, gate)
	adminSvc := &usecase.Admin{
		Users:      users,
		Sessions:   sessions,
		Rewards:    rewards,
		Tasks:      tasks,
		Events:     events,
		Stats:      stats,
		Content:    provider,
		Queue:      q,
		Gate:       gate,
		RewardGate: rewardGate,
	}

	var adminSrv *httpserver.AdminServer
	if cfg.AdminEnabled() {
		sm := httpserver.NewSessionManager(cfg)
		adminSrv = httpserver.NewAdminServer(cfg, sm, adminSvc)
	} else {
		slog.Warn("admin credentials not configured, admin API disabled")
	}

	handler := app.BuildRouter(cfg, app.RouterDeps{
		Inbound: admission,
		Admin:   adminSrv,
		Ready:   &app.Readiness{DB: pool, Redis: rdb, Content: provider},
	})

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	workers.Start(runCtx)
	go app.NewJanitor(sessions, cfg.JanitorInterval).Run(runCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Admission has stopped; drain in-flight attempts so their finalize
	// transactions commit. Undrained tasks keep their rows for the next run.
	if err := workers.Stop(shutdownCtx); err != nil {
		slog.Warn("worker drain incomplete", slog.Any("error", err))
	}
	stopBackground()
}
