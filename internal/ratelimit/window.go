// Package ratelimit implementa os limiters híbridos: janelas deslizantes
// (minuto/hora/dia) em memória e, no modo distribuído, token bucket +
// janelas deslizantes sobre o CacheBackend com fallback local.
package ratelimit

import (
	"math"
	"time"

	"resilience-gateway/internal/domain"
)

// window é uma das janelas deslizantes avaliadas em cada verificação
type window struct {
	limitType domain.LimitType
	duration  time.Duration
}

// windows em ordem de avaliação: a primeira que estourar decide
var windows = []window{
	{limitType: domain.LimitMinute, duration: time.Minute},
	{limitType: domain.LimitHour, duration: time.Hour},
	{limitType: domain.LimitDay, duration: 24 * time.Hour},
}

// retention é o horizonte máximo de histórico guardado por chave
const retention = 24 * time.Hour

// windowUsage é a contagem de uma janela no instante da verificação
type windowUsage struct {
	window
	limit int
	count int
}

func (u windowUsage) exceeds(cost int) bool {
	return u.count+cost > u.limit
}

// nextBoundary retorna a próxima virada natural da janela (UTC):
// topo do próximo minuto, hora ou dia, e não now+duração.
func nextBoundary(now time.Time, limitType domain.LimitType) time.Time {
	utc := now.UTC()
	switch limitType {
	case domain.LimitMinute:
		return utc.Truncate(time.Minute).Add(time.Minute)
	case domain.LimitHour:
		return utc.Truncate(time.Hour).Add(time.Hour)
	default:
		y, m, d := utc.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
}

// secondsUntil arredonda para cima, com mínimo de 1s
func secondsUntil(now, t time.Time) int {
	seconds := int(math.Ceil(t.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// deniedByWindow monta o resultado de uma janela estourada
func deniedByWindow(now time.Time, usage windowUsage, algorithm domain.Algorithm) *domain.RateLimitResult {
	reset := nextBoundary(now, usage.limitType)
	return &domain.RateLimitResult{
		IsLimited:         true,
		LimitType:         usage.limitType,
		CurrentUsage:      usage.count,
		LimitValue:        usage.limit,
		Remaining:         0,
		ResetTime:         reset,
		RetryAfterSeconds: secondsUntil(now, reset),
		Algorithm:         algorithm,
	}
}

// allowedByWindows monta o resultado permitido reportando a janela mais
// restrita (menor remaining; empate resolve na ordem minuto, hora, dia).
func allowedByWindows(now time.Time, usages []windowUsage, cost int, algorithm domain.Algorithm) *domain.RateLimitResult {
	tightest := usages[0]
	for _, usage := range usages[1:] {
		if usage.limit-usage.count < tightest.limit-tightest.count {
			tightest = usage
		}
	}

	return &domain.RateLimitResult{
		IsLimited:    false,
		LimitType:    tightest.limitType,
		CurrentUsage: tightest.count + cost,
		LimitValue:   tightest.limit,
		Remaining:    clampZero(tightest.limit - tightest.count - cost),
		ResetTime:    nextBoundary(now, tightest.limitType),
		Algorithm:    algorithm,
	}
}

// disabledResult é devolvido quando o tier não tem limitação
func disabledResult(now time.Time) *domain.RateLimitResult {
	return &domain.RateLimitResult{
		IsLimited: false,
		LimitType: domain.LimitDisabled,
		ResetTime: now,
		Algorithm: domain.AlgorithmDisabled,
	}
}

func isDisabled(cfg *domain.RateLimitConfig) bool {
	return cfg == nil || !cfg.Enabled
}
