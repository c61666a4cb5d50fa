package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"resilience-gateway/internal/auth"
	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/domain"
)

var statusWindows = []domain.LimitType{domain.LimitMinute, domain.LimitHour, domain.LimitDay}

// BreakersHandler lista o estado de todos os breakers registrados
func (h *Handlers) BreakersHandler(c *gin.Context) {
	snapshots := []breaker.Snapshot{}
	if h.deps.Breakers != nil {
		snapshots = h.deps.Breakers.Status()
	}

	c.JSON(http.StatusOK, gin.H{
		"breakers":  snapshots,
		"count":     len(snapshots),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// RateLimitStatusHandler mostra o uso de uma chave (ou lista as chaves ativas sem ?key=).
// Com ?tier= inclui os limites efetivos e o restante de cada janela.
func (h *Handlers) RateLimitStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)
	key := strings.TrimSpace(c.Query("key"))

	if key == "" {
		keys, err := h.deps.Limiter.TrackedKeys(ctx)
		if err != nil {
			log.Error("Failed to list rate limit keys", err, nil)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_server_error",
				"message": "Failed to list rate limit keys",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"keys":      keys,
			"count":     len(keys),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	usage, err := h.deps.Limiter.Usage(ctx, key)
	if err != nil {
		log.Error("Failed to get rate limit usage", err, map[string]interface{}{"key": key})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to retrieve rate limit status",
		})
		return
	}

	response := gin.H{
		"key":       key,
		"usage":     usage,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if tier := domain.Tier(strings.TrimSpace(c.Query("tier"))); tier != "" {
		if !h.deps.Policy.HasTier(tier) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "unknown tier " + string(tier),
			})
			return
		}

		cfg := h.deps.Policy.TierConfig(tier)
		limits := cfg.EffectiveLimits(c.Query("service"), c.Query("endpoint"))
		windows := make(gin.H, len(statusWindows))
		for _, limitType := range statusWindows {
			limit := limits.ForWindow(limitType)
			remaining := limit - usage[limitType]
			if remaining < 0 {
				remaining = 0
			}
			windows[string(limitType)] = gin.H{
				"used":      usage[limitType],
				"limit":     limit,
				"remaining": remaining,
			}
		}

		response["tier"] = tier
		response["enabled"] = cfg.Enabled
		response["burst_size"] = limits.BurstSize
		response["windows"] = windows
	}

	c.JSON(http.StatusOK, response)
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Key string `json:"key" binding:"required"`
}

// RateLimitResetHandler limpa o estado de uma chave
func (h *Handlers) RateLimitResetHandler(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	var req AdminResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "key cannot be blank",
		})
		return
	}

	fields := map[string]interface{}{"key": req.Key}
	if principal, ok := auth.PrincipalFromContext(c); ok {
		fields["admin"] = principal.ID
	}

	if err := h.deps.Limiter.Reset(ctx, req.Key); err != nil {
		log.Error("Failed to reset rate limit", err, fields)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to reset rate limit",
		})
		return
	}

	log.Info("Rate limit reset", fields)

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "Rate limit reset successfully",
		"key":       req.Key,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
