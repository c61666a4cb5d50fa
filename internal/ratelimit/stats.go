package ratelimit

import (
	"context"
	"sync/atomic"

	"resilience-gateway/internal/domain"
)

// Stats são os contadores acumulados de um limiter
type Stats struct {
	Checks    int64 `json:"checks"`
	Allowed   int64 `json:"allowed"`
	Denied    int64 `json:"denied"`
	Fallbacks int64 `json:"fallbacks"`
}

// Limiter é um domain.RateLimiter com inspeção para a API administrativa
type Limiter interface {
	domain.RateLimiter

	// Usage retorna a contagem de cada janela sem consumir cota
	Usage(ctx context.Context, key string) (map[domain.LimitType]int, error)

	// TrackedKeys lista as chaves com estado
	TrackedKeys(ctx context.Context) ([]string, error)

	Stats() Stats
}

type counters struct {
	checks    atomic.Int64
	allowed   atomic.Int64
	denied    atomic.Int64
	fallbacks atomic.Int64
}

func (c *counters) record(result *domain.RateLimitResult) {
	c.checks.Add(1)
	if result.IsLimited {
		c.denied.Add(1)
	} else {
		c.allowed.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Checks:    c.checks.Load(),
		Allowed:   c.allowed.Load(),
		Denied:    c.denied.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}
