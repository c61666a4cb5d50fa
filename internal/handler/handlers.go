package handler

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"resilience-gateway/internal/auth"
	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/config"
	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/middleware"
	"resilience-gateway/internal/monitor"
	"resilience-gateway/internal/ratelimit"
)

const (
	serviceName   = "Resilience Gateway"
	healthTimeout = 2 * time.Second
)

// Dependencies reúne o que os handlers consomem; Reporter, Stats e Upstream são opcionais
type Dependencies struct {
	Limiter  ratelimit.Limiter
	Policy   *config.Policy
	Cache    domain.CacheBackend
	Breakers *breaker.Registry
	Reporter *monitor.Reporter
	Stats    *monitor.CacheSink
	Tokens   *auth.TokenParser
	Upstream *Upstream
	Logger   domain.Logger
	Version  string
}

// Handlers contém os handlers da API
type Handlers struct {
	deps      Dependencies
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		deps:      deps,
		logger:    deps.Logger,
		startTime: time.Now(),
	}
}

// SetupRoutes configura middlewares e rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	var reporter middleware.EventReporter
	if h.deps.Reporter != nil {
		reporter = h.deps.Reporter
	}

	router.Use(auth.Middleware(h.deps.Tokens, h.logger))
	router.Use(middleware.NewRateLimitMiddleware(h.deps.Limiter, h.deps.Policy, reporter, h.logger))

	// Fora do rate limiting pela lista de exceções da política
	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)

	admin := router.Group("/admin", auth.RequireRole("admin"))
	{
		admin.GET("/breakers", h.BreakersHandler)
		admin.GET("/ratelimit/status", h.RateLimitStatusHandler)
		admin.POST("/ratelimit/reset", h.RateLimitResetHandler)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/data", h.ExampleHandler)
		api.POST("/data", h.ExampleHandler)
		api.GET("/items/:id", h.ExampleHandler)
		api.POST("/generate", h.ExampleHandler)
		if h.deps.Upstream != nil {
			api.Any("/upstream/*path", h.UpstreamHandler)
		}
	}
}

// HealthHandler verifica o cache; cache fora do ar degrada mas não derruba o serviço
func (h *Handlers) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, cacheStatus := "healthy", "up"
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(ctx); err != nil {
			status, cacheStatus = "degraded", "down"
			h.logger.WithContext(ctx).Warn("Health check found cache unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.deps.Version,
		"checks": gin.H{
			"cache": cacheStatus,
		},
	})
}

// ExampleHandler responde as rotas de exemplo protegidas
func (h *Handlers) ExampleHandler(c *gin.Context) {
	response := gin.H{
		"message":   "Hello from " + serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}

	if value, ok := c.Get(middleware.LimitContextKey); ok {
		lc := value.(domain.LimitContext)
		response["key"] = lc.Key
		response["tier"] = lc.Tier
		response["cost"] = lc.Cost
	}
	if id := c.Param("id"); id != "" {
		response["id"] = id
	}

	c.JSON(http.StatusOK, response)
}

// MetricsHandler expõe contadores do limiter, do reporter, dos breakers e do runtime
func (h *Handlers) MetricsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := gin.H{
		"service":        serviceName,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"rate_limiter":   h.deps.Limiter.Stats(),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	}

	if h.deps.Breakers != nil {
		response["breakers"] = h.deps.Breakers.Status()
	}
	if h.deps.Reporter != nil {
		response["reporter"] = h.deps.Reporter.Stats()
	}
	if h.deps.Stats != nil {
		if counts, err := h.deps.Stats.MinuteCounts(ctx, time.Now()); err == nil {
			response["current_minute"] = counts
		}
		if counts, err := h.deps.Stats.TotalCounts(ctx); err == nil {
			response["totals"] = counts
		}
	}

	c.JSON(http.StatusOK, response)
}

// UpstreamHandler encaminha /api/v1/upstream/*path pelo breaker.
// Circuito aberto vira 503, timeout vira 504 e 5xx do upstream vira 502.
func (h *Handlers) UpstreamHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Unable to read request body",
		})
		return
	}

	resp, err := h.deps.Upstream.Do(ctx, c.Request.Method, c.Param("path"), c.Request.URL.RawQuery, c.Request.Header, body)
	if err != nil {
		var openErr *breaker.CircuitOpenError
		switch {
		case errors.As(err, &openErr):
			c.Header("Retry-After", strconv.Itoa(h.breakerTimeoutSeconds(openErr.Name)))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":         "service_unavailable",
				"message":       "Upstream is temporarily unavailable",
				"breaker":       openErr.Name,
				"failure_count": openErr.FailureCount,
			})
		case breaker.IsTimeout(err):
			log.Warn("Upstream call timed out", map[string]interface{}{"error": err.Error()})
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "gateway_timeout",
				"message": "Upstream did not respond in time",
			})
		default:
			response := gin.H{
				"error":   "bad_gateway",
				"message": "Upstream request failed",
			}
			if statusErr, ok := isUpstreamStatus(err); ok {
				response["upstream_status"] = statusErr.StatusCode
			}
			log.Error("Upstream call failed", err, map[string]interface{}{
				"breaker": h.deps.Upstream.Breaker(),
			})
			c.JSON(http.StatusBadGateway, response)
		}
		return
	}

	for name, values := range resp.Header {
		if name == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func (h *Handlers) breakerTimeoutSeconds(name string) int {
	if h.deps.Breakers != nil {
		if guard, ok := h.deps.Breakers.Get(name); ok {
			if seconds := int(guard.State().Thresholds.TimeoutSeconds); seconds > 0 {
				return seconds
			}
		}
	}
	return 1
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
