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

	"github.com/gin-gonic/gin"

	"resilience-gateway/internal/auth"
	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/config"
	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/handler"
	"resilience-gateway/internal/logger"
	"resilience-gateway/internal/monitor"
	"resilience-gateway/internal/ratelimit"
	"resilience-gateway/internal/storage"
)

const (
	// cacheCallTimeout limita cada operação do limiter no cache
	cacheCallTimeout = 500 * time.Millisecond
	cleanupInterval  = 5 * time.Minute
	shutdownTimeout  = 30 * time.Second
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Inicializar logger
	appLogger, logCloser := logger.NewLoggerWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer logCloser.Close()

	appLogger.Info("Starting Resilience Gateway", map[string]interface{}{
		"version":          cfg.AppVersion,
		"log_level":        cfg.LogLevel,
		"port":             cfg.ServerPort,
		"cache_backend":    cfg.CacheBackend,
		"policy_from_file": cfg.PolicyFromFile,
		"policy_file":      cfg.PolicyFile,
		"tiers":            cfg.Policy.TierNames(),
		"rate_limiting":    cfg.RateLimitEnabled,
	})

	// Inicializar cache (conexão Redis aberta no primeiro uso)
	cacheConfig := storage.BuildCacheConfig(cfg.CacheBackend, cfg.RedisKeyPrefix, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	cache, err := storage.NewCacheFactory().CreateCache(cacheConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to create cache backend", err, nil)
		os.Exit(1)
	}

	registry := breaker.NewRegistry()
	breakerOpts := []breaker.Option{breaker.WithLogger(appLogger), breaker.WithRegistry(registry)}

	limiter, fallback, err := buildLimiter(cfg, cache, breakerOpts, appLogger)
	if err != nil {
		appLogger.Error("Failed to create rate limiter", err, nil)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go runCleanup(ctx, fallback, appLogger)

	// Monitoramento assíncrono das decisões
	statsSettings := cfg.Breaker.Settings("stats-writer")
	statsSettings.BaseDelay = 100 * time.Millisecond
	statsSettings.MaxDelay = time.Second
	statsSettings.CallTimeout = cacheCallTimeout
	statsGuard, err := breaker.NewSimpleBreaker(statsSettings, breakerOpts...)
	if err != nil {
		appLogger.Error("Failed to create stats breaker", err, nil)
		os.Exit(1)
	}
	cacheSink := monitor.NewCacheSink(cache, statsGuard, cfg.MonitorStatsTTL)
	reporter := monitor.NewReporter(
		monitor.MultiSink{monitor.NewLogSink(appLogger), cacheSink},
		appLogger,
		cfg.MonitorWorkers,
		cfg.MonitorQueueSize,
	)

	if cfg.JWTSecret == "" {
		appLogger.Warn("JWT_SECRET not set, every request is treated as unauthenticated", nil)
	}

	var upstream *handler.Upstream
	if cfg.UpstreamURL != "" {
		upstreamGuard, err := breaker.NewStatefulBreaker(cfg.Breaker.Settings("upstream"), breakerOpts...)
		if err != nil {
			appLogger.Error("Failed to create upstream breaker", err, nil)
			os.Exit(1)
		}
		if upstream, err = handler.NewUpstream(cfg.UpstreamURL, upstreamGuard, nil); err != nil {
			appLogger.Error("Failed to configure upstream", err, nil)
			os.Exit(1)
		}
	}

	handlers := handler.NewHandlers(handler.Dependencies{
		Limiter:  limiter,
		Policy:   cfg.Policy,
		Cache:    cache,
		Breakers: registry,
		Reporter: reporter,
		Stats:    cacheSink,
		Tokens:   auth.NewTokenParser(cfg.JWTSecret, cfg.JWTIssuer),
		Upstream: upstream,
		Logger:   appLogger,
		Version:  cfg.AppVersion,
	})

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	handlers.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"addr":     server.Addr,
			"upstream": cfg.UpstreamURL,
		})

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Ordem: servidor, reporter (drena a fila), limpeza, cache
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
	}
	if err := reporter.Close(shutdownCtx); err != nil {
		appLogger.Warn("Reporter did not drain before shutdown", map[string]interface{}{
			"error":   err.Error(),
			"pending": reporter.Stats().Queued,
		})
	}
	stop()
	if err := cache.Close(); err != nil {
		appLogger.Error("Failed to close cache", err, nil)
	}

	appLogger.Info("Server stopped gracefully", map[string]interface{}{
		"rate_limiter": limiter.Stats(),
		"reporter":     reporter.Stats(),
	})
}

// buildLimiter escolhe o limiter pelo backend; retorna também o limiter local a ser limpo
func buildLimiter(cfg *config.Config, cache domain.CacheBackend, breakerOpts []breaker.Option, appLogger domain.Logger) (ratelimit.Limiter, *ratelimit.InMemoryLimiter, error) {
	if cfg.CacheBackend == string(storage.MemoryCacheType) {
		local := ratelimit.NewInMemoryLimiter(ratelimit.WithLogger(appLogger))
		return local, local, nil
	}

	settings := cfg.Breaker.Settings("ratelimit-cache")
	settings.MaxRetries = 1
	settings.CallTimeout = cacheCallTimeout
	guard, err := breaker.NewStatefulBreaker(settings, breakerOpts...)
	if err != nil {
		return nil, nil, err
	}

	distributed := ratelimit.NewDistributedLimiter(cache,
		ratelimit.WithGuard(guard),
		ratelimit.WithLogger(appLogger),
	)
	return distributed, distributed.Fallback(), nil
}

// runCleanup descarta periodicamente chaves inativas do limiter local
func runCleanup(ctx context.Context, limiter *ratelimit.InMemoryLimiter, appLogger domain.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Cleanup(); removed > 0 {
				appLogger.Debug("Rate limiter cleanup", map[string]interface{}{
					"removed_keys": removed,
				})
			}
		}
	}
}
