package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/database"
	"github.com/tessella-ai/tessella-engine/pkg/handlers"
	"github.com/tessella-ai/tessella-engine/pkg/llm"
	"github.com/tessella-ai/tessella-engine/pkg/logging"
	"github.com/tessella-ai/tessella-engine/pkg/middleware"
	"github.com/tessella-ai/tessella-engine/pkg/repositories"
	"github.com/tessella-ai/tessella-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Bool("analytics_enabled", cfg.Analytics.Enabled),
		zap.Bool("plan_llm_configured", cfg.AI.IsAvailable()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Migrations run over database/sql; the service itself uses the pool.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, "migrations", logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	var planClient llm.LLMClient
	if cfg.AI.IsAvailable() {
		llmCfg := &llm.Config{
			Endpoint: cfg.AI.Endpoint,
			Model:    cfg.AI.Model,
			APIKey:   cfg.AI.APIKey,
		}
		switch cfg.AI.Provider {
		case "anthropic":
			planClient, err = llm.NewAnthropicClient(llmCfg, logger)
		default:
			planClient, err = llm.NewClient(llmCfg, logger)
		}
		if err != nil {
			logger.Fatal("Failed to build plan generation client", zap.Error(err))
		}
	}

	registryRepo := repositories.NewRegistryRepository(db)
	registry := services.NewSchemaRegistry(registryRepo, &cfg.Analytics, logger)
	registry.StartRetirementSweeper(ctx)

	router := services.NewIntentRouter(registry, &cfg.Analytics, logger)
	builder := services.NewPlanBuilder(registry, planClient, &cfg.Analytics, logger)
	validator := services.NewPlanValidator(registry, &cfg.Analytics, logger)
	compiler := services.NewSQLCompiler()
	executor := services.NewAnalyticsExecutor(db, &cfg.Analytics, logger)
	analytics := services.NewAnalyticsService(registry, router, builder, validator, compiler, executor, &cfg.Analytics, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewAnalyticsHandler(registry, analytics, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	go func() {
		logger.Info("Starting tessella-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
