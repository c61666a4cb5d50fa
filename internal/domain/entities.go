package domain

import (
	"fmt"
	"math"
	"time"
)

// LimitType identifica a janela (ou o bucket) que decidiu uma verificação
type LimitType string

const (
	LimitMinute   LimitType = "minute"
	LimitHour     LimitType = "hour"
	LimitDay      LimitType = "day"
	LimitBurst    LimitType = "burst"
	LimitDisabled LimitType = "disabled"
)

// Algorithm identifica o algoritmo que produziu o resultado
type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmHybrid        Algorithm = "hybrid"
	AlgorithmDisabled      Algorithm = "disabled"
)

// Tier é um perfil nomeado de rate limiting
type Tier string

const (
	TierUnauthenticated Tier = "unauthenticated"
	TierUser            Tier = "user"
	TierPremiumUser     Tier = "premium_user"
	TierAgent           Tier = "agent"
	TierPremiumAgent    Tier = "premium_agent"
)

// AgentServiceTier retorna o tier específico de um serviço de agente
func AgentServiceTier(service string) Tier {
	return Tier("agent_" + service)
}

// LimitOverride substitui campos dos limites base para um endpoint.
// Campos zerados mantêm o valor base.
type LimitOverride struct {
	RequestsPerMinute int `json:"requestsPerMinute,omitempty" yaml:"requests_per_minute"`
	RequestsPerHour   int `json:"requestsPerHour,omitempty" yaml:"requests_per_hour"`
	RequestsPerDay    int `json:"requestsPerDay,omitempty" yaml:"requests_per_day"`
	BurstSize         int `json:"burstSize,omitempty" yaml:"burst_size"`
}

// RateLimitConfig define os limites de um tier
type RateLimitConfig struct {
	Enabled            bool                     `json:"enabled"`
	RequestsPerMinute  int                      `json:"requestsPerMinute"`
	RequestsPerHour    int                      `json:"requestsPerHour"`
	RequestsPerDay     int                      `json:"requestsPerDay"`
	BurstSize          int                      `json:"burstSize"`
	RefillRate         float64                  `json:"refillRate"` // tokens por segundo
	ServiceMultipliers map[string]float64       `json:"serviceMultipliers,omitempty"`
	EndpointOverrides  map[string]LimitOverride `json:"endpointOverrides,omitempty"`
}

// Validate verifica os limites de um tier habilitado
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerMinute <= 0 || c.RequestsPerHour <= 0 || c.RequestsPerDay <= 0 {
		return fmt.Errorf("%w: requests per minute, hour and day must be greater than 0", ErrInvalidConfig)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("%w: burst size must be greater than 0", ErrInvalidConfig)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be greater than 0", ErrInvalidConfig)
	}
	for service, multiplier := range c.ServiceMultipliers {
		if multiplier <= 0 {
			return fmt.Errorf("%w: multiplier for service %s must be greater than 0", ErrInvalidConfig, service)
		}
	}
	for endpoint, override := range c.EndpointOverrides {
		if override.RequestsPerMinute < 0 || override.RequestsPerHour < 0 || override.RequestsPerDay < 0 || override.BurstSize < 0 {
			return fmt.Errorf("%w: override for %s cannot be negative", ErrInvalidConfig, endpoint)
		}
	}
	return nil
}

// EffectiveLimits são os limites resolvidos para um serviço/endpoint
type EffectiveLimits struct {
	RequestsPerMinute int `json:"requestsPerMinute"`
	RequestsPerHour   int `json:"requestsPerHour"`
	RequestsPerDay    int `json:"requestsPerDay"`
	BurstSize         int `json:"burstSize"`
}

// EffectiveLimits resolve os limites efetivos.
// O override do endpoint substitui os valores base campo a campo e o
// multiplicador do serviço (padrão 1.0) é aplicado por cima, com floor.
func (c *RateLimitConfig) EffectiveLimits(service, endpoint string) EffectiveLimits {
	limits := EffectiveLimits{
		RequestsPerMinute: c.RequestsPerMinute,
		RequestsPerHour:   c.RequestsPerHour,
		RequestsPerDay:    c.RequestsPerDay,
		BurstSize:         c.BurstSize,
	}

	if endpoint != "" {
		if override, ok := c.EndpointOverrides[endpoint]; ok {
			if override.RequestsPerMinute > 0 {
				limits.RequestsPerMinute = override.RequestsPerMinute
			}
			if override.RequestsPerHour > 0 {
				limits.RequestsPerHour = override.RequestsPerHour
			}
			if override.RequestsPerDay > 0 {
				limits.RequestsPerDay = override.RequestsPerDay
			}
			if override.BurstSize > 0 {
				limits.BurstSize = override.BurstSize
			}
		}
	}

	multiplier := 1.0
	if service != "" {
		if m, ok := c.ServiceMultipliers[service]; ok {
			multiplier = m
		}
	}
	if multiplier == 1.0 {
		return limits
	}

	scale := func(v int) int { return int(math.Floor(float64(v) * multiplier)) }
	return EffectiveLimits{
		RequestsPerMinute: scale(limits.RequestsPerMinute),
		RequestsPerHour:   scale(limits.RequestsPerHour),
		RequestsPerDay:    scale(limits.RequestsPerDay),
		BurstSize:         scale(limits.BurstSize),
	}
}

// ForWindow retorna o limite de uma janela
func (l EffectiveLimits) ForWindow(limitType LimitType) int {
	switch limitType {
	case LimitMinute:
		return l.RequestsPerMinute
	case LimitHour:
		return l.RequestsPerHour
	case LimitDay:
		return l.RequestsPerDay
	case LimitBurst:
		return l.BurstSize
	default:
		return 0
	}
}

// RateLimitResult representa o resultado imutável de uma verificação
type RateLimitResult struct {
	IsLimited         bool      `json:"isLimited"`
	LimitType         LimitType `json:"limitType"`
	CurrentUsage      int       `json:"currentUsage"`
	LimitValue        int       `json:"limitValue"`
	Remaining         int       `json:"remaining"`
	ResetTime         time.Time `json:"resetTime"`
	RetryAfterSeconds int       `json:"retryAfterSeconds"`
	TokensRemaining   *float64  `json:"tokensRemaining,omitempty"`
	Algorithm         Algorithm `json:"algorithm"`
}

// CheckOptions carrega os parâmetros opcionais de uma verificação
type CheckOptions struct {
	Service  string
	Endpoint string
	Cost     int
}

// NormalizedCost retorna o custo da verificação (mínimo 1)
func (o CheckOptions) NormalizedCost() int {
	if o.Cost < 1 {
		return 1
	}
	return o.Cost
}

// PrincipalType identifica o tipo de identidade autenticada
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalAgent PrincipalType = "agent"
)

// Principal é a identidade autenticada que dirige a escolha do tier
type Principal struct {
	Type    PrincipalType `json:"type"`
	ID      string        `json:"id"`
	Service string        `json:"service,omitempty"`
	Premium bool          `json:"premium"`
	Roles   []string      `json:"roles,omitempty"`
}

// HasRole informa se o principal possui o papel
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LimitContext é o contexto de limitação derivado de uma requisição
type LimitContext struct {
	Key      string `json:"key"`
	Tier     Tier   `json:"tier"`
	Service  string `json:"service,omitempty"`
	Endpoint string `json:"endpoint"`
	Cost     int    `json:"cost"`
	ClientIP string `json:"clientIp"`
}
