// AppForge server — runs the agent orchestrator behind an HTTP/SSE API,
// with sandbox and dev-server management and WebSocket event delivery.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/appforge-io/appforge/pkg/agent"
	"github.com/appforge-io/appforge/pkg/api"
	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/database"
	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/llm"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/store"
	"github.com/appforge-io/appforge/pkg/tools"
	"github.com/appforge-io/appforge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting AppForge",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	durable := database.NewDurable(dbClient)

	// 3. One-time startup cleanup: running-server state persisted by a
	// previous process describes dead processes.
	if cleared, err := durable.ResetRunningServers(ctx); err != nil {
		slog.Error("Failed to reset stale server state", "error", err)
		// Non-fatal — continue
	} else if cleared > 0 {
		slog.Info("Cleared stale dev-server state", "projects", cleared)
	}

	// 4. Event bus and context store (with optional Redis hot cache)
	bus := events.NewBus()
	defer bus.Close()

	storeOpts := []store.Option{store.WithRetry(2)}
	if cfg.Redis != nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, continuing without hot cache",
				"addr", cfg.Redis.Addr, "error", err)
		} else {
			storeOpts = append(storeOpts, store.WithHotCache(store.NewHotCache(rdb)))
			slog.Info("Redis hot cache enabled", "addr", cfg.Redis.Addr)
		}
	}

	contexts := store.NewContextStore(durable, bus, cfg.Agent, storeOpts...)

	// 5. Sandbox provider and supervisors
	provider, err := sandbox.NewLocalProvider(getEnv("SANDBOX_ROOT", ""))
	if err != nil {
		slog.Error("Failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}
	sandboxes := sandbox.NewManager(provider, contexts, bus, cfg.Sandbox)
	devservers := devserver.NewSupervisor(sandboxes, contexts, bus, cfg.DevServer)

	// 6. Tool registry and LLM client
	registry, err := tools.NewRegistry(contexts, sandboxes, devservers, cfg.Sandbox)
	if err != nil {
		slog.Error("Failed to build tool registry", "error", err)
		os.Exit(1)
	}

	llmClient, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	orchestrator := agent.NewOrchestrator(llmClient, registry, contexts, cfg.Agent)

	// 7. HTTP server
	srv := api.NewServer(api.Deps{
		Contexts:     contexts,
		Sandboxes:    sandboxes,
		DevServers:   devservers,
		Turns:        orchestrator,
		Health:       dbClient,
		Bus:          bus,
		Config:       cfg.Server,
		DefaultModel: cfg.LLM.Model,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: srv.Router(),
	}

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("AppForge started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("AppForge shutdown complete")
}
