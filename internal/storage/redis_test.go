package storage

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T, prefix string) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromClient(client, prefix, logger.NewNopLogger())
	t.Cleanup(func() { _ = cache.Close() })

	return cache, mr
}

func TestRedisCache_Contract(t *testing.T) {
	cache, _ := newTestRedisCache(t, "")
	runCacheContract(t, cache)
}

func TestRedisCache_KeyPrefix(t *testing.T) {
	cache, mr := newTestRedisCache(t, "rgw:")
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "rl:tb:user:1:tokens", "4.5", time.Minute))

	// A chave real carrega o prefixo
	assert.True(t, mr.Exists("rgw:rl:tb:user:1:tokens"))
	assert.False(t, mr.Exists("rl:tb:user:1:tokens"))

	// Keys devolve as chaves sem o prefixo
	keys, err := cache.Keys(ctx, "rl:tb:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"rl:tb:user:1:tokens"}, keys)
}

func TestRedisCache_TTL(t *testing.T) {
	cache, mr := newTestRedisCache(t, "")
	ctx := context.Background()

	require.NoError(t, cache.ZAdd(ctx, "window", domain.ZMember{Score: 1, Member: "m"}))
	require.NoError(t, cache.Expire(ctx, "window", 66*time.Second))
	assert.Equal(t, 66*time.Second, mr.TTL("window"))

	mr.FastForward(67 * time.Second)
	count, err := cache.ZCard(ctx, "window")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisCache_ErrorsAreCacheUnavailable(t *testing.T) {
	cache, mr := newTestRedisCache(t, "")
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")

	_, _, err := cache.Get(ctx, "k")
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))

	_, err = cache.Pipeline(ctx, []domain.PipelineOp{{Kind: domain.PipelineGet, Key: "k"}})
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))

	err = cache.ZAdd(ctx, "z", domain.ZMember{Score: 1, Member: "a"})
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))

	_, err = cache.TakeTokens(ctx, "tb:tokens", "tb:ts", domain.TokenBucketRequest{Capacity: 1, Cost: 1, Now: time.Now(), TTL: time.Minute})
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))

	assert.Error(t, cache.Ping(ctx))

	mr.SetError("")
	assert.NoError(t, cache.Ping(ctx))
}

func TestRedisCache_FailuresLogAtDebug(t *testing.T) {
	tests := []struct {
		level    string
		expected int
	}{
		{level: "warn", expected: 0},
		{level: "debug", expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			cache := NewRedisCacheFromClient(client, "", logger.NewLoggerWithOutput(tt.level, "json", &buf))
			defer cache.Close()

			mr.SetError("LOADING Redis is loading the dataset in memory")
			_, err := cache.Incr(context.Background(), "k")
			require.Error(t, err)

			assert.Equal(t, tt.expected, bytes.Count(buf.Bytes(), []byte("Cache operation failed")))
		})
	}
}

func TestRedisCache_TakeTokensIsAtomic(t *testing.T) {
	cache, mr := newTestRedisCache(t, "gw:")
	now := time.Now()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := cache.TakeTokens(context.Background(), "tb:tokens", "tb:ts", domain.TokenBucketRequest{
				Capacity: 10, Cost: 1, Now: now, TTL: time.Minute,
			})
			if err == nil && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	tokens, err := mr.Get("gw:tb:tokens")
	require.NoError(t, err)
	assert.Equal(t, "0", tokens)
	assert.Equal(t, time.Minute, mr.TTL("gw:tb:tokens"))
}

func TestRedisCache_ClosedClient(t *testing.T) {
	cache, _ := newTestRedisCache(t, "")
	ctx := context.Background()

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	_, _, err := cache.Get(ctx, "k")
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))
}

func TestRedisCache_LazyConnection(t *testing.T) {
	// Nenhuma conexão é aberta na construção, mesmo com endereço inválido
	cache := NewRedisCache("127.0.0.1", "1", "", 0, "", logger.NewNopLogger())
	assert.Nil(t, cache.client)

	// Close antes do primeiro uso não abre conexão
	require.NoError(t, cache.Close())
	assert.Nil(t, cache.client)
}

func TestRedisCache_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	cache := NewRedisCacheFromClient(client, "", logger.NewNopLogger())
	defer cache.Close()

	_, err := cache.Incr(context.Background(), "k")
	assert.True(t, errors.Is(err, domain.ErrCacheUnavailable))
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "-inf", formatScore(math.Inf(-1)))
	assert.Equal(t, "1700000000.25", formatScore(1700000000.25))
}
