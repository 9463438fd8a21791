// Package main is the entry point for the Crewdock server.
// One binary runs the agent orchestrator, the preview orchestrator, and the
// HTTP/WebSocket gateway on shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/agent/runtime"
	"github.com/crewdock/crewdock/internal/agent/state"
	"github.com/crewdock/crewdock/internal/common/cmdrun"
	"github.com/crewdock/crewdock/internal/common/config"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/portalloc"
	"github.com/crewdock/crewdock/internal/common/tracing"
	"github.com/crewdock/crewdock/internal/container"
	"github.com/crewdock/crewdock/internal/container/docker"
	"github.com/crewdock/crewdock/internal/gateway"
	"github.com/crewdock/crewdock/internal/orchestrator"
	"github.com/crewdock/crewdock/internal/persistence"
	"github.com/crewdock/crewdock/internal/preview"
	"github.com/crewdock/crewdock/internal/preview/health"
	"github.com/crewdock/crewdock/internal/preview/proxy"
	"github.com/crewdock/crewdock/internal/repoclone"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Crewdock...")

	// 3. Run context cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Flush traces on exit (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			log.Warn("Trace flush failed", zap.Error(err))
		}
	}()

	// 5. Initialize event bus (NATS if configured, in-memory otherwise)
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Warn("Event bus shutdown error", zap.Error(err))
		}
	}()

	// 6. Open datastore and run migrations
	pool, dbCleanup, err := persistence.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer func() {
		if err := dbCleanup(); err != nil {
			log.Warn("Database shutdown error", zap.Error(err))
		}
	}()

	agentStore, err := agent.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	previewStore, err := preview.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize preview store", zap.Error(err))
	}

	// 7. Initialize container engine. With Docker enabled an unreachable
	// daemon is fatal here rather than on the first preview request.
	var engine container.Engine
	if cfg.Docker.Enabled {
		dockerClient, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker client", zap.Error(err))
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("Docker daemon not reachable; previews and docker-isolated agents need it (set docker.enabled=false to run without)",
				zap.Error(err))
		}
		engine = dockerClient
		log.Info("Connected to Docker daemon")
	} else {
		log.Warn("Docker disabled; preview and docker-isolated agent requests will be rejected")
		engine = container.NewDisabledEngine(errors.New("docker disabled in configuration"))
	}

	// 8. Port allocator
	allocator, err := portalloc.New(portalloc.Config{
		RangeStart: cfg.Ports.RangeStart,
		RangeEnd:   cfg.Ports.RangeEnd,
		MaxRetries: cfg.Ports.MaxRetries,
		Exclusions: cfg.Ports.Exclusions,
	}, log)
	if err != nil {
		log.Fatal("Invalid port allocator configuration", zap.Error(err))
	}

	// 9. Register execution drivers
	runner := cmdrun.NewExecRunner(log)
	runtimeCfg := runtime.Config{
		DefaultCommand: cfg.Agent.DefaultCommand,
		Image:          cfg.Agent.Image,
		WorkspaceRoot:  cfg.Agent.WorkspaceRoot,
		InputWarmup:    cfg.Agent.InputWarmupDuration(),
		StopTimeout:    cfg.Docker.StopTimeoutDuration(),
	}
	registry := runtime.NewRegistry()
	registry.Register(agent.LocationLocal, agent.IsolationNone, runtime.NewLocalDriver(runtimeCfg, log))
	registry.Register(agent.LocationLocal, agent.IsolationTmux,
		runtime.NewTmuxDriver(runtimeCfg, runtime.NewTmux(runner, log), log))
	dockerDriver := runtime.NewDockerDriver(runtimeCfg, engine, log)
	registry.Register(agent.LocationLocal, agent.IsolationDocker, dockerDriver)
	// location=remote runs the same driver against a remote engine host
	// (docker.host). Remote PTY and tmux placements have no driver, so the
	// registry rejects them.
	registry.Register(agent.LocationRemote, agent.IsolationDocker, dockerDriver)

	// 10. Agent state manager and orchestrator
	manager := state.NewManager(agentStore, eventBus, state.Config{
		HeartbeatInterval: cfg.Agent.HeartbeatIntervalDuration(),
		HeartbeatTimeout:  cfg.Agent.HeartbeatTimeoutDuration(),
		StartupTimeout:    cfg.Agent.StartupTimeoutDuration(),
		QueueLimit:        cfg.Agent.MessageQueueLimit,
	}, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start agent state manager", zap.Error(err))
	}

	agentSvc := orchestrator.NewService(agentStore, manager, registry, eventBus, log)
	if err := agentSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start agent orchestrator", zap.Error(err))
	}
	log.Info("Agent orchestrator started")

	// 11. Preview orchestrator
	proxies := proxy.NewRegistry(log)
	cloner := repoclone.NewCloner(repoclone.Config{
		CloneTimeout: cfg.Preview.CloneTimeoutDuration(),
	}, runner, log)
	scaffold := preview.NewGenerator(cfg.Preview.ScaffoldManifest, log)
	previews := preview.NewOrchestrator(preview.Config{
		Image:           cfg.Preview.Image,
		InternalPort:    cfg.Preview.InternalPort,
		StartTimeout:    cfg.Preview.StartTimeoutDuration(),
		RestartDebounce: cfg.Preview.RestartDebounceDuration(),
		StopTimeout:     cfg.Docker.StopTimeoutDuration(),
		WorkspaceRoot:   cfg.Preview.WorkspaceRoot,
		PublicBaseURL:   cfg.Preview.PublicBaseURL,
	}, previewStore, engine, allocator, proxies, cloner, scaffold, eventBus, log)
	log.Info("Preview orchestrator initialized")

	// 12. Preview health checker. The startup sweep inside Start reattaches
	// proxies for containers that survived a process restart.
	checker := health.NewChecker(health.Config{
		Interval: cfg.Preview.HealthIntervalDuration(),
	}, previewStore, engine, proxies, allocator, eventBus, log)
	if err := checker.Start(ctx); err != nil {
		log.Fatal("Failed to start preview health checker", zap.Error(err))
	}

	// 13. HTTP gateway
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	gw := gateway.New(agentSvc, previews, proxies, allocator, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("terminal", "/ws/agents/:id/terminal"),
		zap.String("preview", "/preview/:teamId"),
		zap.String("health", "/health"),
	)

	// 15. Wait for shutdown signal
	<-ctx.Done()
	log.Info("Shutting down Crewdock...")

	// 16. Graceful shutdown: drain HTTP, then stop background loops. Preview
	// containers and tmux sessions are left running so the next boot can
	// reattach them.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	checker.Stop()
	proxies.StopAll()
	agentSvc.Stop()
	manager.Stop()

	log.Info("Crewdock stopped")
}
