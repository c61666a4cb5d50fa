package middleware

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"

	"resilience-gateway/internal/auth"
	"resilience-gateway/internal/config"
	"resilience-gateway/internal/domain"
)

// ResolveLimitContext deriva chave, tier, serviço, endpoint e custo da requisição.
// Prioridade: agente autenticado > usuário autenticado > IP do cliente.
func ResolveLimitContext(c *gin.Context, policy *config.Policy) domain.LimitContext {
	endpoint := NormalizePath(c.Request.URL.Path)
	lc := domain.LimitContext{
		Endpoint: endpoint,
		Cost:     RequestCost(policy, c.Request.Method, endpoint),
		ClientIP: ClientIP(c),
	}

	principal, ok := auth.PrincipalFromContext(c)
	switch {
	case ok && principal.Type == domain.PrincipalAgent:
		lc.Key = "agent:" + principal.ID
		lc.Service = principal.Service
		lc.Tier = agentTier(policy, principal)
	case ok:
		lc.Key = "user:" + principal.ID
		lc.Tier = domain.TierUser
		if principal.Premium {
			lc.Tier = domain.TierPremiumUser
		}
	default:
		lc.Key = "ip:" + lc.ClientIP
		lc.Tier = domain.TierUnauthenticated
	}
	return lc
}

func agentTier(policy *config.Policy, principal *domain.Principal) domain.Tier {
	if principal.Premium {
		return domain.TierPremiumAgent
	}
	if principal.Service != "" {
		if tier := domain.AgentServiceTier(principal.Service); policy.HasTier(tier) {
			return tier
		}
	}
	return domain.TierAgent
}

// ClientIP resolve o IP do cliente considerando proxies e CDN.
// Prioridade: CF-Connecting-IP > X-Real-IP > primeiro X-Forwarded-For > RemoteAddr;
// candidatos que não são IPs válidos são ignorados.
func ClientIP(c *gin.Context) string {
	candidates := []string{
		c.GetHeader("CF-Connecting-IP"),
		c.GetHeader("X-Real-IP"),
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		candidates = append(candidates, strings.Split(xff, ",")[0])
	}

	for _, candidate := range candidates {
		if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return "unknown"
}
