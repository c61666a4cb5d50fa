package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/domain"
)

const (
	keyPrefix        = "rl"
	minBucketTTL     = 60 * time.Second
	windowTTLFactor  = 1.1
	fallbackWarnRate = 10 * time.Second
)

// DistributedLimiter combina token bucket e janelas deslizantes sobre o
// CacheBackend compartilhado. Qualquer erro do cache delega a verificação
// inteira ao InMemoryLimiter embutido; a verificação nunca falha nem nega tudo.
//
// O débito do bucket é atômico no cache. As janelas usam reserva seguida de
// verificação: a requisição grava suas entradas, conta e desfaz a reserva se
// passou do limite. Concorrência pode gerar negações a mais, nunca admissões
// acima do limite.
type DistributedLimiter struct {
	cache    domain.CacheBackend
	fallback *InMemoryLimiter
	guard    breaker.Guard
	logger   domain.Logger
	now      func() time.Time
	stats    counters

	warnings   *rate.Limiter
	suppressed atomic.Int64
}

// NewDistributedLimiter cria o limiter sobre o cache informado
func NewDistributedLimiter(cache domain.CacheBackend, opts ...Option) *DistributedLimiter {
	o := buildOptions(opts)

	return &DistributedLimiter{
		cache:    cache,
		fallback: NewInMemoryLimiter(WithClock(o.now)),
		guard:    o.guard,
		logger:   o.logger,
		now:      o.now,
		warnings: rate.NewLimiter(rate.Every(fallbackWarnRate), 1),
	}
}

// Check aplica o token bucket e depois as janelas minuto/hora/dia
func (d *DistributedLimiter) Check(ctx context.Context, key string, cfg *domain.RateLimitConfig, opts domain.CheckOptions) (*domain.RateLimitResult, error) {
	if isDisabled(cfg) {
		result := disabledResult(d.now())
		d.stats.record(result)
		return result, nil
	}

	result, err := d.checkCache(ctx, key, cfg, opts)
	if err != nil {
		d.stats.fallbacks.Add(1)
		d.warnFallback(key, err)
		result = d.fallback.check(key, cfg, opts)
	}

	d.stats.record(result)
	return result, nil
}

func (d *DistributedLimiter) checkCache(ctx context.Context, key string, cfg *domain.RateLimitConfig, opts domain.CheckOptions) (*domain.RateLimitResult, error) {
	if d.guard == nil {
		return d.evaluate(ctx, key, cfg, opts)
	}
	return breaker.Execute(ctx, d.guard, func(ctx context.Context) (*domain.RateLimitResult, error) {
		return d.evaluate(ctx, key, cfg, opts)
	})
}

func (d *DistributedLimiter) evaluate(ctx context.Context, key string, cfg *domain.RateLimitConfig, opts domain.CheckOptions) (*domain.RateLimitResult, error) {
	now := d.now()
	limits := cfg.EffectiveLimits(opts.Service, opts.Endpoint)
	cost := opts.NormalizedCost()

	tokens, denied, err := d.takeTokens(ctx, key, limits.BurstSize, cfg.RefillRate, cost, now)
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return denied, nil
	}

	members := windowMembers(cost, now)
	if err := d.reserve(ctx, key, members, now); err != nil {
		d.release(ctx, key, members)
		return nil, err
	}

	usages := make([]windowUsage, 0, len(windows))
	for _, w := range windows {
		card, err := d.cache.ZCard(ctx, windowKey(key, w.limitType))
		if err != nil {
			d.release(ctx, key, members)
			return nil, err
		}
		// A contagem já inclui as entradas reservadas por esta requisição
		usage := windowUsage{window: w, limit: limits.ForWindow(w.limitType), count: clampZero(int(card) - cost)}
		if usage.exceeds(cost) {
			d.release(ctx, key, members)
			result := deniedByWindow(now, usage, domain.AlgorithmHybrid)
			result.TokensRemaining = &tokens
			return result, nil
		}
		usages = append(usages, usage)
	}

	result := allowedByWindows(now, usages, cost, domain.AlgorithmHybrid)
	result.TokensRemaining = &tokens
	return result, nil
}

// takeTokens debita cost do bucket no cache. Quando não há tokens
// suficientes devolve o resultado negado; o cache não grava nada.
func (d *DistributedLimiter) takeTokens(ctx context.Context, key string, burst int, refillRate float64, cost int, now time.Time) (float64, *domain.RateLimitResult, error) {
	tokensKey, stampKey := bucketKeys(key)

	bucket, err := d.cache.TakeTokens(ctx, tokensKey, stampKey, domain.TokenBucketRequest{
		Capacity:   float64(burst),
		RefillRate: refillRate,
		Cost:       float64(cost),
		Now:        now,
		TTL:        bucketTTL(burst, refillRate),
	})
	if err != nil {
		return 0, nil, err
	}
	if bucket.Allowed {
		return bucket.Tokens, nil, nil
	}

	tokens := bucket.Tokens
	retryAfter := int(minBucketTTL.Seconds())
	if refillRate > 0 {
		retryAfter = int(math.Ceil((float64(cost) - tokens) / refillRate))
	}
	if retryAfter < 1 {
		retryAfter = 1
	}

	return tokens, &domain.RateLimitResult{
		IsLimited:         true,
		LimitType:         domain.LimitBurst,
		CurrentUsage:      burst - int(math.Floor(tokens)),
		LimitValue:        burst,
		Remaining:         0,
		ResetTime:         now.Add(time.Duration(retryAfter) * time.Second),
		RetryAfterSeconds: retryAfter,
		TokensRemaining:   &tokens,
		Algorithm:         domain.AlgorithmTokenBucket,
	}, nil
}

// windowMembers gera cost entradas únicas com o score de now
func windowMembers(cost int, now time.Time) []domain.ZMember {
	members := make([]domain.ZMember, cost)
	for i := range members {
		members[i] = domain.ZMember{
			Score:  score(now),
			Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
		}
	}
	return members
}

// reserve poda cada janela, grava as entradas da requisição e renova o TTL
func (d *DistributedLimiter) reserve(ctx context.Context, key string, members []domain.ZMember, now time.Time) error {
	for _, w := range windows {
		setKey := windowKey(key, w.limitType)
		if _, err := d.cache.ZRemRangeByScore(ctx, setKey, math.Inf(-1), score(now.Add(-w.duration))); err != nil {
			return err
		}
		if err := d.cache.ZAdd(ctx, setKey, members...); err != nil {
			return err
		}
		ttl := time.Duration(float64(w.duration) * windowTTLFactor)
		if err := d.cache.Expire(ctx, setKey, ttl); err != nil {
			return err
		}
	}
	return nil
}

// release desfaz uma reserva negada; falhas deixam as entradas expirarem com o TTL
func (d *DistributedLimiter) release(ctx context.Context, key string, members []domain.ZMember) {
	names := make([]string, len(members))
	for i, member := range members {
		names[i] = member.Member
	}
	for _, w := range windows {
		if _, err := d.cache.ZRem(ctx, windowKey(key, w.limitType), names...); err != nil {
			return
		}
	}
}

// windowCount poda a janela e retorna quantas entradas restam
func (d *DistributedLimiter) windowCount(ctx context.Context, key string, w window, now time.Time) (int, error) {
	setKey := windowKey(key, w.limitType)

	if _, err := d.cache.ZRemRangeByScore(ctx, setKey, math.Inf(-1), score(now.Add(-w.duration))); err != nil {
		return 0, err
	}
	count, err := d.cache.ZCard(ctx, setKey)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Reset remove o estado da chave no cache e no fallback local
func (d *DistributedLimiter) Reset(ctx context.Context, key string) error {
	if err := d.fallback.Reset(ctx, key); err != nil {
		return err
	}

	tokensKey, stampKey := bucketKeys(key)
	keys := []string{tokensKey, stampKey}
	for _, w := range windows {
		keys = append(keys, windowKey(key, w.limitType))
	}

	if _, err := d.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("reset rate limit for %s: %w", key, err)
	}
	return nil
}

// Usage lê as janelas no cache; com o cache indisponível responde com o fallback local
func (d *DistributedLimiter) Usage(ctx context.Context, key string) (map[domain.LimitType]int, error) {
	now := d.now()
	usage := make(map[domain.LimitType]int, len(windows))
	for _, w := range windows {
		count, err := d.windowCount(ctx, key, w, now)
		if err != nil {
			d.warnFallback(key, err)
			return d.fallback.Usage(ctx, key)
		}
		usage[w.limitType] = count
	}
	return usage, nil
}

// TrackedKeys lista as chaves com token bucket ativo no cache; com o cache
// indisponível lista as do fallback local
func (d *DistributedLimiter) TrackedKeys(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:tb:*:tokens", keyPrefix)
	cacheKeys, err := d.cache.Keys(ctx, pattern)
	if err != nil {
		d.warnFallback(pattern, err)
		return d.fallback.TrackedKeys(ctx)
	}

	head := keyPrefix + ":tb:"
	keys := make([]string, 0, len(cacheKeys))
	for _, cacheKey := range cacheKeys {
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(cacheKey, head), ":tokens"))
	}
	return keys, nil
}

// Stats retorna os contadores do limiter
func (d *DistributedLimiter) Stats() Stats {
	return d.stats.snapshot()
}

// Fallback expõe o limiter local usado quando o cache falha
func (d *DistributedLimiter) Fallback() *InMemoryLimiter {
	return d.fallback
}

// warnFallback loga a degradação, limitado a uma mensagem a cada fallbackWarnRate
func (d *DistributedLimiter) warnFallback(key string, err error) {
	if d.logger == nil {
		return
	}
	if !d.warnings.Allow() {
		d.suppressed.Add(1)
		return
	}

	d.logger.Warn("Rate limit cache unavailable, falling back to in-memory limiter", map[string]interface{}{
		"key":        key,
		"error":      err.Error(),
		"circuit":    breaker.IsCircuitOpen(err),
		"suppressed": d.suppressed.Swap(0),
	})
}

func bucketKeys(key string) (string, string) {
	return fmt.Sprintf("%s:tb:%s:tokens", keyPrefix, key), fmt.Sprintf("%s:tb:%s:ts", keyPrefix, key)
}

func windowKey(key string, limitType domain.LimitType) string {
	return fmt.Sprintf("%s:sw:%s:%s", keyPrefix, key, limitType)
}

// score converte um instante em segundos com resolução de microssegundos
func score(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// bucketTTL cobre o tempo de reabastecimento completo, com mínimo de 60s
func bucketTTL(burst int, refillRate float64) time.Duration {
	if refillRate <= 0 {
		return minBucketTTL
	}
	ttl := 2 * time.Duration(math.Ceil(float64(burst)/refillRate)) * time.Second
	if ttl < minBucketTTL {
		return minBucketTTL
	}
	return ttl
}
