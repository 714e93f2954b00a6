// Package app is the composition root (§4.5, §9): it reads config, connects
// to infrastructure, constructs every subsystem exactly once, and wires
// request handlers and background loops. No package below this one keeps a
// module-level singleton; everything is built here and handed down
// explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"

	"github.com/dispider/control-plane/internal/config"
	"github.com/dispider/control-plane/internal/httpapi"
	"github.com/dispider/control-plane/internal/httpserver"
	"github.com/dispider/control-plane/internal/identity"
	"github.com/dispider/control-plane/internal/platform"
	"github.com/dispider/control-plane/internal/telemetry"
	"github.com/dispider/control-plane/pkg/container"
	"github.com/dispider/control-plane/pkg/dynsql"
	"github.com/dispider/control-plane/pkg/kv"
	"github.com/dispider/control-plane/pkg/project"
	"github.com/dispider/control-plane/pkg/proxy"
	"github.com/dispider/control-plane/pkg/runtime"
	"github.com/dispider/control-plane/pkg/task"
)

// Run is the application entry point. Mode selects what the process does:
// "api" serves the HTTP surface and also runs the background loops (the
// common single-process deployment); "orchestrator" runs only the
// background loops, for operators who want the dispatch loops isolated
// from the request-serving process.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting dispider control plane",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		logger.Error("running migrations", "error", err)
	} else {
		logger.Info("global migrations applied")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// --- Subsystem construction (composition root, §9) ---
	projects := project.New(db)
	dyn := dynsql.New(db)
	taskEngine := task.New(db, dyn, cfg.TaskRetryCeiling)

	rt, err := runtime.New(cfg.ContainerRuntimeHost)
	if err != nil {
		return fmt.Errorf("creating container runtime client: %w", err)
	}
	kvStore := kv.New(rdb)

	var slackAPI *slack.Client
	if cfg.SlackBotToken != "" {
		slackAPI = slack.New(cfg.SlackBotToken)
		logger.Info("slack push notifications enabled")
	} else {
		logger.Info("slack push notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	coordinator := container.New(db, rt, kvStore, projects, slackAPI, cfg.SlackAlertChannel, cfg.APIBaseURL, logger)

	healthInterval, err := time.ParseDuration(cfg.ProxyHealthCheckInterval)
	if err != nil {
		return fmt.Errorf("parsing proxy health check interval %q: %w", cfg.ProxyHealthCheckInterval, err)
	}
	reassignmentInterval, err := time.ParseDuration(cfg.ProxyReassignmentInterval)
	if err != nil {
		return fmt.Errorf("parsing proxy reassignment interval %q: %w", cfg.ProxyReassignmentInterval, err)
	}
	blacklistDuration, err := time.ParseDuration(cfg.ProxyBlacklistDuration)
	if err != nil {
		return fmt.Errorf("parsing proxy blacklist duration %q: %w", cfg.ProxyBlacklistDuration, err)
	}

	clashClient := proxy.NewClashClient(cfg.ClashAdminURL, cfg.ClashSecret)
	proxyMgr := proxy.NewManager(kvStore, rt, clashClient, proxy.Config{
		ConfigPath:         cfg.ClashConfigPath,
		ProvidersDir:       cfg.ClashProvidersDir,
		MultiplexerName:    cfg.ClashContainerName,
		FailureThreshold:   cfg.ProxyFailureThreshold,
		BlacklistDuration:  blacklistDuration,
		HealthCheckPeriod:  healthInterval,
		ReassignmentPeriod: reassignmentInterval,
	}, logger)

	// --- Startup sequence (§4.5): recover mappings, then sync the group
	// list if empty. Failures here are logged but never abort startup; the
	// service continues degraded.
	if err := proxyMgr.RecoverMappings(ctx); err != nil {
		logger.Error("recovering proxy mappings from on-disk config", "error", err)
	}
	if err := proxyMgr.InitializeManager(ctx); err != nil {
		logger.Error("initializing proxy group manager", "error", err)
	}

	var wg sync.WaitGroup
	if cfg.Mode == "api" || cfg.Mode == "orchestrator" {
		wg.Add(2)
		go func() {
			defer wg.Done()
			proxyMgr.RunHealthLoop(ctx)
		}()
		go func() {
			defer wg.Done()
			proxyMgr.RunReassignmentLoop(ctx)
		}()
	}

	switch cfg.Mode {
	case "api":
		err = runAPI(ctx, cfg, logger, db, rdb, metricsReg, taskEngine, coordinator, proxyMgr)
	case "orchestrator":
		logger.Info("orchestrator mode: background loops only, no HTTP surface")
		<-ctx.Done()
	default:
		err = fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	wg.Wait()
	return err
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, taskEngine *task.Engine, coordinator *container.Coordinator, proxyMgr *proxy.Manager) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, identity.FromHeaders)

	containerHandler := httpapi.NewContainerHandler(coordinator)
	srv.APIRouter.Mount("/containers", containerHandler.Routes())
	// Worker status reports are unauthenticated by identity (§6); mounted
	// directly on the root router rather than under the identity-gated
	// /api/v1 sub-router.
	srv.Router.Mount("/api/v1/workers", containerHandler.WorkerRoutes())

	taskHandler := httpapi.NewTaskHandler(taskEngine)
	srv.APIRouter.Mount("/tasks", taskHandler.Routes())
	srv.Router.Mount("/api/v1/workers/tasks", taskHandler.WorkerRoutes())

	proxyHandler := httpapi.NewProxyHandler(proxyMgr)
	srv.APIRouter.Mount("/proxy", proxyHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
