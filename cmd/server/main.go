package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asakaida/kiroku/internal/handlers"
	"github.com/asakaida/kiroku/internal/infrastructure/config"
	"github.com/asakaida/kiroku/internal/infrastructure/database"
	"github.com/asakaida/kiroku/internal/infrastructure/metrics"
	"github.com/asakaida/kiroku/internal/repositories/postgres"
	"github.com/asakaida/kiroku/internal/services"
	"github.com/asakaida/kiroku/internal/services/authorization"
	"github.com/asakaida/kiroku/pkg/cache"
	"github.com/asakaida/kiroku/pkg/cache/memorycache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultEnv = "dev"

func main() {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to database
	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pg.Close()

	logger.Info("Connected to database",
		zap.String("user", cfg.Database.User),
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database))

	// Initialize option title cache
	var titleCache cache.Cache
	if cfg.Cache.Enabled {
		titleCache, err = memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			EnableMetrics: cfg.Cache.Metrics,
		})
		if err != nil {
			logger.Fatal("Failed to create cache", zap.Error(err))
		}
	}

	// Initialize metrics
	collector := metrics.NewCollector()
	if titleCache != nil {
		collector.SetCache(titleCache)
	}
	exporter := metrics.NewPrometheusExporter(collector)

	// Initialize repositories
	defRepo := postgres.NewPostgresDefinitionRepository(pg.DB)
	fieldRepo := postgres.NewPostgresFieldRepository(pg.DB)
	instRepo := postgres.NewPostgresInstanceRepository(pg.DB)
	edgeRepo := postgres.NewPostgresEdgeRepository(pg.DB)

	// Initialize services
	authorizer, err := authorization.NewCELAuthorizer()
	if err != nil {
		logger.Fatal("Failed to create authorizer", zap.Error(err))
	}
	hook := writeLogger(logger)
	compiler := services.NewFilterCompiler(edgeRepo)
	resolver := services.NewOptionResolver(instRepo, titleCache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	schemaService := services.NewSchemaService(defRepo, fieldRepo, instRepo, edgeRepo, authorizer, hook)
	instanceService := services.NewInstanceService(defRepo, instRepo, edgeRepo, compiler, resolver, authorizer, hook)

	handler := handlers.NewHandler(schemaService, instanceService, resolver, logger)
	router := handler.Routes(metrics.Middleware(collector, exporter))

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	// Start servers in goroutines
	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("API server error: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Periodically push gauge metrics to Prometheus
	updateDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				exporter.Update()
			case <-updateDone:
				return
			}
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

		close(updateDone)

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown timeout exceeded, forcing stop", zap.Error(err))
			apiServer.Close()
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			metricsServer.Close()
		}

		// Close database connection
		if err := pg.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		}

		logger.Info("Shutdown complete")
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// writeLogger returns a write hook that logs every successful mutation.
func writeLogger(logger *zap.Logger) services.WriteHook {
	return func(ctx context.Context, event services.WriteEvent) {
		logger.Debug("entity write",
			zap.String("action", string(event.Action)),
			zap.String("definition_id", event.DefinitionID.String()),
			zap.String("instance_id", event.InstanceID.String()))
	}
}
