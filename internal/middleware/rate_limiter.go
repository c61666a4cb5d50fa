package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"resilience-gateway/internal/config"
	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"
	"resilience-gateway/internal/monitor"
)

// checkTimeout limita o tempo gasto na verificação de rate limit
const checkTimeout = 5 * time.Second

// LimitContextKey é a chave do domain.LimitContext no gin.Context
const LimitContextKey = "limit_context"

// EventReporter recebe as decisões sem bloquear a requisição
type EventReporter interface {
	Report(event monitor.Event) bool
}

// RateLimitMiddleware aplica o rate limiting por principal/IP
type RateLimitMiddleware struct {
	limiter  domain.RateLimiter
	policy   *config.Policy
	reporter EventReporter
	logger   domain.Logger
	now      func() time.Time
}

// NewRateLimitMiddleware cria o middleware; reporter pode ser nil
func NewRateLimitMiddleware(
	limiter domain.RateLimiter,
	policy *config.Policy,
	reporter EventReporter,
	logger domain.Logger,
) gin.HandlerFunc {
	middleware := &RateLimitMiddleware{
		limiter:  limiter,
		policy:   policy,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}

	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *RateLimitMiddleware) Handle(c *gin.Context) {
	if shouldSkip(m.policy, c.Request.URL.Path) {
		c.Next()
		return
	}

	requestID := m.getRequestID(c)
	lc := ResolveLimitContext(c, m.policy)
	c.Set(LimitContextKey, lc)

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, lc.ClientIP, lc.Key, c.GetHeader("User-Agent"))
	c.Request = c.Request.WithContext(ctx)
	log := m.logger.WithContext(ctx)

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	result, err := m.limiter.Check(checkCtx, lc.Key, m.policy.TierConfig(lc.Tier), domain.CheckOptions{
		Service:  lc.Service,
		Endpoint: lc.Endpoint,
		Cost:     lc.Cost,
	})
	if err != nil {
		log.Error("Rate limit check failed, allowing request", err, map[string]interface{}{
			"key":  lc.Key,
			"tier": string(lc.Tier),
		})
		c.Next()
		return
	}

	if result.LimitType == domain.LimitDisabled {
		c.Next()
		return
	}

	m.setRateLimitHeaders(c, result, lc)

	if result.IsLimited {
		log.Info("Request rate limited", map[string]interface{}{
			"key":         lc.Key,
			"tier":        string(lc.Tier),
			"scope":       string(result.LimitType),
			"limit":       result.LimitValue,
			"retry_after": result.RetryAfterSeconds,
		})

		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     fmt.Sprintf("Rate limit exceeded for %s window. Try again in %d seconds.", result.LimitType, result.RetryAfterSeconds),
			"retry_after": result.RetryAfterSeconds,
			"limit":       result.LimitValue,
			"scope":       result.LimitType,
			"reset_time":  result.ResetTime.Unix(),
		})
		m.report(c, requestID, lc, result)
		return
	}

	m.report(c, requestID, lc, result)
	c.Next()
}

// setRateLimitHeaders define os headers informativos; Retry-After só em negações
func (m *RateLimitMiddleware) setRateLimitHeaders(c *gin.Context, result *domain.RateLimitResult, lc domain.LimitContext) {
	resetAfter := result.RetryAfterSeconds
	if !result.IsLimited {
		resetAfter = int(math.Max(0, math.Ceil(result.ResetTime.Sub(m.now()).Seconds())))
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(result.LimitValue))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	c.Header("X-RateLimit-Reset-After", strconv.Itoa(resetAfter))
	c.Header("X-RateLimit-Scope", string(result.LimitType))
	c.Header("X-RateLimit-Policy", fmt.Sprintf("%d;w=%s", result.LimitValue, result.LimitType))

	if result.TokensRemaining != nil {
		c.Header("X-RateLimit-Tokens-Remaining", strconv.FormatFloat(*result.TokensRemaining, 'f', 2, 64))
	}
	if lc.Service != "" {
		c.Header("X-RateLimit-Service", lc.Service)
	}
	if result.IsLimited {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
}

func (m *RateLimitMiddleware) report(c *gin.Context, requestID string, lc domain.LimitContext, result *domain.RateLimitResult) {
	if m.reporter == nil {
		return
	}

	m.reporter.Report(monitor.Event{
		Key:        lc.Key,
		Tier:       lc.Tier,
		Service:    lc.Service,
		Endpoint:   lc.Endpoint,
		Method:     c.Request.Method,
		ClientIP:   lc.ClientIP,
		RequestID:  requestID,
		Allowed:    !result.IsLimited,
		LimitType:  result.LimitType,
		Limit:      result.LimitValue,
		Remaining:  result.Remaining,
		RetryAfter: result.RetryAfterSeconds,
		At:         m.now(),
	})
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *RateLimitMiddleware) getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}

	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}
