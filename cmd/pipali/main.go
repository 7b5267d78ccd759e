// Pipali server — local agentic assistant: research loop over an LLM and a
// tool registry, WebSocket client channel, and background automations.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khoj-ai/pipali/pkg/agent"
	"github.com/khoj-ai/pipali/pkg/api"
	"github.com/khoj-ai/pipali/pkg/automation"
	"github.com/khoj-ai/pipali/pkg/config"
	"github.com/khoj-ai/pipali/pkg/masking"
	"github.com/khoj-ai/pipali/pkg/mcp"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
	"github.com/khoj-ai/pipali/pkg/trajectory"
	"github.com/khoj-ai/pipali/pkg/version"
)

func main() {
	// 1. Logging with secret redaction. Everything below logs through this.
	maskingService := masking.NewService()
	logger := slog.New(masking.NewHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		maskingService,
	))
	slog.SetDefault(logger)

	// 2. Configuration (.env is loaded inside when present).
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting pipali",
		"version", version.GitCommit,
		"addr", cfg.Addr(),
		"database", databaseKind(cfg))

	ctx := context.Background()

	// 3. Database (Postgres when POSTGRES_DB is set, embedded SQLite
	// otherwise). Migrations run inside Open.
	store, err := storage.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 4. Bootstrap the default user.
	user, err := store.Users.EnsureDefault(ctx, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		slog.Error("Failed to ensure default user", "error", err)
		os.Exit(1)
	}

	// 5. Tool registry: built-ins first, MCP tools join as servers connect.
	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry)

	mcpManager := mcp.NewManager(store.MCPServers, registry, logger)
	if err := mcpManager.ConnectAll(ctx); err != nil {
		// Individual failures are recorded per server; only listing the
		// registry is fatal here.
		slog.Error("Failed to load MCP servers", "error", err)
		os.Exit(1)
	}
	defer mcpManager.Close()

	// 6. Trajectory store and research loop driver.
	trajectories := trajectory.NewStore(store.Conversations, store.Steps, models.AgentInfo{
		Name:    version.AppName,
		Version: version.GitCommit,
	})
	llm := agent.NewOpenAIClient(agent.OpenAIConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}, registry, logger)
	driver := agent.NewDriver(llm, trajectories, cfg.MaxIterations, logger)
	sessions := session.NewManager(logger)

	// 7. Automation subsystem: durable gate, executor, schedulers.
	durableGate := automation.NewDurableGate(store.Confirmations, store.Executions,
		cfg.ConfirmationTTL, logger)
	runner := agent.NewAutomationRunner(driver, registry, logger)
	executor := automation.NewExecutor(store, runner, durableGate,
		cfg.MaxConcurrentExecutions, cfg.MaxRetries, cfg.RetryDelays, logger)

	// Sweep executions interrupted by the previous process before taking
	// new work.
	if err := executor.Recover(ctx); err != nil {
		slog.Error("Failed to recover interrupted executions", "error", err)
		os.Exit(1)
	}
	executor.Start()

	cron := automation.NewCronScheduler(executor, store.Automations, logger)
	cron.Start()
	if err := cron.Reload(ctx); err != nil {
		slog.Error("Failed to install cron schedules", "error", err)
		os.Exit(1)
	}

	watcher := automation.NewFileWatcher(executor, store.Automations, cfg.DebounceDefault, logger)
	if err := watcher.Reload(ctx); err != nil {
		slog.Error("Failed to install file watches", "error", err)
		os.Exit(1)
	}

	// 8. HTTP/WebSocket server.
	server := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        store,
		Sessions:     sessions,
		Trajectories: trajectories,
		Driver:       driver,
		Registry:     registry,
		MCPManager:   mcpManager,
		Executor:     executor,
		Cron:         cron,
		Watcher:      watcher,
		DurableGate:  durableGate,
		UserID:       user.ID,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Pipali started", "user", user.Email, "tools", len(registry.List()))

	// 9. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then drain workers.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cron.Stop()
	watcher.Close()

	done := make(chan struct{})
	go func() {
		executor.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Automation executor stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Executor shutdown timeout exceeded — interrupted executions will be swept on restart")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func databaseKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}
