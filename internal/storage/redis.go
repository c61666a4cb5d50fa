package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"resilience-gateway/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisCache implementa domain.CacheBackend usando Redis.
// O cliente é criado preguiçosamente no primeiro uso e compartilhado por todos
// os consumidores; nenhuma operação segura lock exclusivo sobre ele.
type RedisCache struct {
	options *redis.Options
	prefix  string
	logger  domain.Logger

	once   sync.Once
	mu     sync.RWMutex
	client *redis.Client
	closed bool
}

// NewRedisCache cria o RedisCache sem abrir conexão
func NewRedisCache(host, port, password string, db int, prefix string, logger domain.Logger) *RedisCache {
	return &RedisCache{
		options: &redis.Options{
			Addr:     fmt.Sprintf("%s:%s", host, port),
			Password: password,
			DB:       db,

			// Configurações de performance
			PoolSize:     20,
			MinIdleConns: 5,
			MaxRetries:   1,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolTimeout:  time.Second,
			IdleTimeout:  5 * time.Minute,
		},
		prefix: prefix,
		logger: logger,
	}
}

// NewRedisCacheFromClient usa um cliente já construído (ex.: miniredis em testes)
func NewRedisCacheFromClient(client *redis.Client, prefix string, logger domain.Logger) *RedisCache {
	cache := &RedisCache{
		options: client.Options(),
		prefix:  prefix,
		logger:  logger,
		client:  client,
	}
	cache.once.Do(func() {})
	return cache
}

// conn retorna o cliente compartilhado, criando-o no primeiro uso
func (r *RedisCache) conn() (*redis.Client, error) {
	r.once.Do(func() {
		client := redis.NewClient(r.options)
		r.mu.Lock()
		r.client = client
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Info("Redis client initialized", map[string]interface{}{
				"addr": r.options.Addr,
				"db":   r.options.DB,
			})
		}
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.client == nil {
		return nil, fmt.Errorf("%w: redis client closed", domain.ErrCacheUnavailable)
	}
	return r.client, nil
}

func (r *RedisCache) key(key string) string {
	return r.prefix + key
}

// fail padroniza erros do Redis como ErrCacheUnavailable
func (r *RedisCache) fail(operation, key string, start time.Time, err error) error {
	r.logCacheOperation(operation, key, time.Since(start), err)
	if errors.Is(err, domain.ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", domain.ErrCacheUnavailable, operation, key, err)
}

// Get recupera o valor de uma chave
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return "", false, r.fail("GET", key, start, err)
	}

	value, err := client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if err == redis.Nil {
			r.logCacheOperation("GET", key, time.Since(start), nil)
			return "", false, nil
		}
		return "", false, r.fail("GET", key, start, err)
	}

	r.logCacheOperation("GET", key, time.Since(start), nil)
	return value, true, nil
}

// Set define o valor de uma chave com TTL
func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return r.fail("SET", key, start, err)
	}

	if err := client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return r.fail("SET", key, start, err)
	}

	r.logCacheOperation("SET", key, time.Since(start), nil)
	return nil
}

// Incr incrementa atomicamente um contador
func (r *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return 0, r.fail("INCR", key, start, err)
	}

	value, err := client.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, r.fail("INCR", key, start, err)
	}

	r.logCacheOperation("INCR", key, time.Since(start), nil)
	return value, nil
}

// Pipeline envia o lote em MULTI/EXEC, num único round-trip
func (r *RedisCache) Pipeline(ctx context.Context, ops []domain.PipelineOp) ([]domain.PipelineResult, error) {
	start := time.Now()
	label := fmt.Sprintf("%d ops", len(ops))

	client, err := r.conn()
	if err != nil {
		return nil, r.fail("PIPELINE", label, start, err)
	}

	pipe := client.TxPipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case domain.PipelineGet:
			cmds[i] = pipe.Get(ctx, r.key(op.Key))
		case domain.PipelineSet:
			cmds[i] = pipe.Set(ctx, r.key(op.Key), op.Value, op.TTL)
		case domain.PipelineIncr:
			cmds[i] = pipe.Incr(ctx, r.key(op.Key))
		case domain.PipelineExpire:
			cmds[i] = pipe.Expire(ctx, r.key(op.Key), op.TTL)
		default:
			return nil, fmt.Errorf("PIPELINE: unsupported op kind %d", op.Kind)
		}
	}

	// Exec retorna redis.Nil quando algum GET não encontra a chave
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, r.fail("PIPELINE", label, start, err)
	}

	results := make([]domain.PipelineResult, len(ops))
	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case *redis.StringCmd:
			value, err := c.Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, r.fail("PIPELINE", ops[i].Key, start, err)
			}
			results[i] = domain.PipelineResult{Value: value, Found: true}
		case *redis.StatusCmd:
			if err := c.Err(); err != nil {
				return nil, r.fail("PIPELINE", ops[i].Key, start, err)
			}
			results[i] = domain.PipelineResult{Value: ops[i].Value, Found: true}
		case *redis.IntCmd:
			value, err := c.Result()
			if err != nil {
				return nil, r.fail("PIPELINE", ops[i].Key, start, err)
			}
			results[i] = domain.PipelineResult{Value: strconv.FormatInt(value, 10), Found: true}
		case *redis.BoolCmd:
			found, err := c.Result()
			if err != nil {
				return nil, r.fail("PIPELINE", ops[i].Key, start, err)
			}
			results[i] = domain.PipelineResult{Found: found}
		}
	}

	r.logCacheOperation("PIPELINE", label, time.Since(start), nil)
	return results, nil
}

// ZAdd adiciona membros a um sorted set
func (r *RedisCache) ZAdd(ctx context.Context, key string, members ...domain.ZMember) error {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return r.fail("ZADD", key, start, err)
	}

	zs := make([]*redis.Z, len(members))
	for i, member := range members {
		zs[i] = &redis.Z{Score: member.Score, Member: member.Member}
	}

	if err := client.ZAdd(ctx, r.key(key), zs...).Err(); err != nil {
		return r.fail("ZADD", key, start, err)
	}

	r.logCacheOperation("ZADD", key, time.Since(start), nil)
	return nil
}

// takeTokensScript refaz o refill e o débito do token bucket dentro do Redis.
// KEYS: tokens, stamp. ARGV: capacidade, taxa/s, custo, agora (ns), ttl (ms).
// Retorna {permitido, saldo}; o saldo volta como string para não truncar.
var takeTokensScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = capacity
local raw = redis.call('GET', KEYS[1])
if raw then
  tokens = tonumber(raw) or capacity
end

local stamp = ARGV[4]
local last = now
local rawStamp = redis.call('GET', KEYS[2])
if rawStamp then
  last = tonumber(rawStamp) or now
end

if now > last and rate > 0 then
  tokens = tokens + (now - last) / 1e9 * rate
end
if tokens > capacity then tokens = capacity end
if tokens < 0 then tokens = 0 end

if tokens < cost then
  return {0, tostring(tokens)}
end

tokens = tokens - cost
if last > now then stamp = rawStamp end

redis.call('SET', KEYS[1], tostring(tokens), 'PX', ARGV[5])
redis.call('SET', KEYS[2], stamp, 'PX', ARGV[5])
return {1, tostring(tokens)}
`)

// TakeTokens executa o débito do token bucket num script Lua atômico
func (r *RedisCache) TakeTokens(ctx context.Context, tokensKey, stampKey string, req domain.TokenBucketRequest) (domain.TokenBucketResult, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return domain.TokenBucketResult{}, r.fail("EVALSHA", tokensKey, start, err)
	}

	ttl := req.TTL.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	raw, err := takeTokensScript.Run(ctx, client,
		[]string{r.key(tokensKey), r.key(stampKey)},
		strconv.FormatFloat(req.Capacity, 'f', -1, 64),
		strconv.FormatFloat(req.RefillRate, 'f', -1, 64),
		strconv.FormatFloat(req.Cost, 'f', -1, 64),
		strconv.FormatInt(req.Now.UnixNano(), 10),
		strconv.FormatInt(ttl, 10),
	).Slice()
	if err != nil {
		return domain.TokenBucketResult{}, r.fail("EVALSHA", tokensKey, start, err)
	}

	result, err := parseTokenBucketReply(raw)
	if err != nil {
		return domain.TokenBucketResult{}, r.fail("EVALSHA", tokensKey, start, err)
	}

	r.logCacheOperation("EVALSHA", tokensKey, time.Since(start), nil)
	return result, nil
}

func parseTokenBucketReply(raw []interface{}) (domain.TokenBucketResult, error) {
	if len(raw) != 2 {
		return domain.TokenBucketResult{}, fmt.Errorf("unexpected token bucket reply: %v", raw)
	}
	allowed, ok := raw[0].(int64)
	if !ok {
		return domain.TokenBucketResult{}, fmt.Errorf("unexpected token bucket flag: %v", raw[0])
	}
	text, ok := raw[1].(string)
	if !ok {
		return domain.TokenBucketResult{}, fmt.Errorf("unexpected token bucket balance: %v", raw[1])
	}
	tokens, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return domain.TokenBucketResult{}, fmt.Errorf("parse token bucket balance: %w", err)
	}
	return domain.TokenBucketResult{Allowed: allowed == 1, Tokens: tokens}, nil
}

// ZRem remove membros específicos de um sorted set
func (r *RedisCache) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return 0, r.fail("ZREM", key, start, err)
	}

	values := make([]interface{}, len(members))
	for i, member := range members {
		values[i] = member
	}

	removed, err := client.ZRem(ctx, r.key(key), values...).Result()
	if err != nil {
		return 0, r.fail("ZREM", key, start, err)
	}

	r.logCacheOperation("ZREM", key, time.Since(start), nil)
	return removed, nil
}

// ZRemRangeByScore remove membros com score em [min, max]
func (r *RedisCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return 0, r.fail("ZREMRANGEBYSCORE", key, start, err)
	}

	removed, err := client.ZRemRangeByScore(ctx, r.key(key), formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, r.fail("ZREMRANGEBYSCORE", key, start, err)
	}

	r.logCacheOperation("ZREMRANGEBYSCORE", key, time.Since(start), nil)
	return removed, nil
}

// ZCard retorna a cardinalidade de um sorted set
func (r *RedisCache) ZCard(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return 0, r.fail("ZCARD", key, start, err)
	}

	count, err := client.ZCard(ctx, r.key(key)).Result()
	if err != nil {
		return 0, r.fail("ZCARD", key, start, err)
	}

	r.logCacheOperation("ZCARD", key, time.Since(start), nil)
	return count, nil
}

// Expire define o TTL de uma chave
func (r *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return r.fail("EXPIRE", key, start, err)
	}

	if err := client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return r.fail("EXPIRE", key, start, err)
	}

	r.logCacheOperation("EXPIRE", key, time.Since(start), nil)
	return nil
}

// Delete remove chaves
func (r *RedisCache) Delete(ctx context.Context, keys ...string) (int64, error) {
	start := time.Now()
	label := strings.Join(keys, ",")

	if len(keys) == 0 {
		return 0, nil
	}

	client, err := r.conn()
	if err != nil {
		return 0, r.fail("DEL", label, start, err)
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.key(key)
	}

	deleted, err := client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, r.fail("DEL", label, start, err)
	}

	r.logCacheOperation("DEL", label, time.Since(start), nil)
	return deleted, nil
}

// Keys lista chaves por padrão, sem o prefixo do cache
func (r *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return nil, r.fail("KEYS", pattern, start, err)
	}

	keys, err := client.Keys(ctx, r.key(pattern)).Result()
	if err != nil {
		return nil, r.fail("KEYS", pattern, start, err)
	}

	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, r.prefix)
	}

	r.logCacheOperation("KEYS", pattern, time.Since(start), nil)
	return keys, nil
}

// Ping verifica se o Redis está saudável
func (r *RedisCache) Ping(ctx context.Context) error {
	start := time.Now()

	client, err := r.conn()
	if err != nil {
		return r.fail("PING", "health", start, err)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return r.fail("PING", "health", start, err)
	}

	r.logCacheOperation("PING", "health", time.Since(start), nil)
	return nil
}

// Close fecha a conexão com o Redis, se ela chegou a ser aberta
func (r *RedisCache) Close() error {
	r.once.Do(func() {})

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		if r.logger != nil {
			r.logger.Error("Failed to close Redis connection", err, nil)
		}
		return err
	}
	if r.logger != nil {
		r.logger.Info("Redis connection closed", nil)
	}
	return nil
}

// logCacheOperation registra operações do cache
func (r *RedisCache) logCacheOperation(operation, key string, latency time.Duration, err error) {
	logCacheOperation(r.logger, string(RedisCacheType), operation, key, latency, err)
}

// formatScore converte limites de score para a sintaxe do ZRANGEBYSCORE
func formatScore(score float64) string {
	switch {
	case math.IsInf(score, -1):
		return "-inf"
	case math.IsInf(score, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(score, 'f', -1, 64)
	}
}

// logCacheOperation registra a operação em debug; os consumidores decidem quando uma falha vira warning
func logCacheOperation(logger domain.Logger, backend, operation, key string, latency time.Duration, err error) {
	if logger == nil {
		return
	}

	fields := map[string]interface{}{
		"backend":    backend,
		"operation":  operation,
		"key":        key,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}

	if err != nil {
		fields["error"] = err.Error()
		logger.Debug("Cache operation failed", fields)
		return
	}
	logger.Debug("Cache operation completed", fields)
}
