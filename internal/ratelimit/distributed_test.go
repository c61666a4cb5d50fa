package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"
	"resilience-gateway/internal/storage"
)

// MockCache é um mock do domain.CacheBackend para simular falhas
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *MockCache) Incr(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) Pipeline(ctx context.Context, ops []domain.PipelineOp) ([]domain.PipelineResult, error) {
	args := m.Called(ctx, ops)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PipelineResult), args.Error(1)
}

func (m *MockCache) TakeTokens(ctx context.Context, tokensKey, stampKey string, req domain.TokenBucketRequest) (domain.TokenBucketResult, error) {
	args := m.Called(ctx, tokensKey, stampKey, req)
	return args.Get(0).(domain.TokenBucketResult), args.Error(1)
}

func (m *MockCache) ZAdd(ctx context.Context, key string, members ...domain.ZMember) error {
	return m.Called(ctx, key, members).Error(0)
}

func (m *MockCache) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := m.Called(ctx, key, members)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	args := m.Called(ctx, key, min, max)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) ZCard(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return m.Called(ctx, key, ttl).Error(0)
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	args := m.Called(ctx, pattern)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCache) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCache) Close() error {
	return m.Called().Error(0)
}

var errCacheDown = errors.New("connection refused")

func newFailingCache() *MockCache {
	cache := &MockCache{}
	cache.On("TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(domain.TokenBucketResult{}, errCacheDown)
	return cache
}

func newMemoryBackedLimiter(t *testing.T, clock *manualClock) (*DistributedLimiter, *storage.MemoryCache) {
	t.Helper()

	cache := storage.NewMemoryCache(logger.NewNopLogger(), storage.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = cache.Close() })

	return NewDistributedLimiter(cache, WithClock(clock.Now), WithLogger(logger.NewNopLogger())), cache
}

func TestDistributedLimiter_MinuteScenario(t *testing.T) {
	clock := newManualClock(baseTime)
	limiter, _ := newMemoryBackedLimiter(t, clock)
	cfg := testConfig(3)

	for _, expected := range []int{2, 1, 0} {
		result, err := limiter.Check(context.Background(), "k1", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		assert.False(t, result.IsLimited)
		assert.Equal(t, expected, result.Remaining)
		assert.Equal(t, domain.AlgorithmHybrid, result.Algorithm)
		require.NotNil(t, result.TokensRemaining)
	}

	result, err := limiter.Check(context.Background(), "k1", cfg, domain.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, result.IsLimited)
	assert.Equal(t, domain.LimitMinute, result.LimitType)
	assert.Equal(t, 30, result.RetryAfterSeconds)
	assert.Equal(t, Stats{Checks: 4, Allowed: 3, Denied: 1}, limiter.Stats())
}

func TestDistributedLimiter_TokenBucket(t *testing.T) {
	clock := newManualClock(baseTime)
	limiter, cache := newMemoryBackedLimiter(t, clock)
	cfg := &domain.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 100,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		BurstSize:         3,
		RefillRate:        1,
	}
	ctx := context.Background()

	for _, expectedTokens := range []float64{2, 1, 0} {
		result, err := limiter.Check(ctx, "burst", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		require.False(t, result.IsLimited)
		assert.Equal(t, expectedTokens, *result.TokensRemaining)
	}

	storedStamp, _, err := cache.Get(ctx, "rl:tb:burst:ts")
	require.NoError(t, err)

	result, err := limiter.Check(ctx, "burst", cfg, domain.CheckOptions{})
	require.NoError(t, err)
	assert.True(t, result.IsLimited)
	assert.Equal(t, domain.LimitBurst, result.LimitType)
	assert.Equal(t, domain.AlgorithmTokenBucket, result.Algorithm)
	assert.Equal(t, 1, result.RetryAfterSeconds)
	assert.Equal(t, 3, result.LimitValue)

	// Negação não debita nem move o instante de refill
	tokens, _, err := cache.Get(ctx, "rl:tb:burst:tokens")
	require.NoError(t, err)
	assert.Equal(t, "0", tokens)
	stamp, _, err := cache.Get(ctx, "rl:tb:burst:ts")
	require.NoError(t, err)
	assert.Equal(t, storedStamp, stamp)

	clock.Advance(time.Second)
	result, err = limiter.Check(ctx, "burst", cfg, domain.CheckOptions{})
	require.NoError(t, err)
	assert.False(t, result.IsLimited)
	assert.Equal(t, 0.0, *result.TokensRemaining)

	// Refill nunca passa do burst
	clock.Advance(time.Hour)
	result, err = limiter.Check(ctx, "burst", cfg, domain.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, *result.TokensRemaining)
}

func TestDistributedLimiter_BurstRetryAfterUsesCost(t *testing.T) {
	clock := newManualClock(baseTime)
	limiter, _ := newMemoryBackedLimiter(t, clock)
	cfg := &domain.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 100, RequestsPerHour: 1000, RequestsPerDay: 10000,
		BurstSize: 10, RefillRate: 0.5,
	}

	result, _ := limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{Cost: 9})
	require.False(t, result.IsLimited)

	result, _ = limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{Cost: 5})
	assert.True(t, result.IsLimited)
	assert.Equal(t, domain.LimitBurst, result.LimitType)
	// (5 - 1) / 0.5
	assert.Equal(t, 8, result.RetryAfterSeconds)
}

func TestDistributedLimiter_WindowResets(t *testing.T) {
	clock := newManualClock(baseTime)
	limiter, _ := newMemoryBackedLimiter(t, clock)
	cfg := testConfig(2)

	for i := 0; i < 2; i++ {
		result, _ := limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{})
		require.False(t, result.IsLimited)
	}
	result, _ := limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{})
	require.True(t, result.IsLimited)

	clock.Advance(61 * time.Second)
	result, _ = limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{})
	assert.False(t, result.IsLimited)
	assert.Equal(t, 1, result.Remaining)
}

func TestDistributedLimiter_WindowsAreWrittenTogether(t *testing.T) {
	clock := newManualClock(baseTime)
	limiter, cache := newMemoryBackedLimiter(t, clock)
	ctx := context.Background()

	_, err := limiter.Check(ctx, "k", testConfig(10), domain.CheckOptions{Cost: 2})
	require.NoError(t, err)

	for _, limitType := range []domain.LimitType{domain.LimitMinute, domain.LimitHour, domain.LimitDay} {
		count, err := cache.ZCard(ctx, "rl:sw:k:"+string(limitType))
		require.NoError(t, err)
		assert.Equal(t, int64(2), count, limitType)
	}
}

func TestDistributedLimiter_FallbackMatchesInMemory(t *testing.T) {
	clock := newManualClock(baseTime)
	cache := newFailingCache()

	distributed := NewDistributedLimiter(cache, WithClock(clock.Now))
	local := NewInMemoryLimiter(WithClock(clock.Now))
	cfg := testConfig(3)

	for i := 0; i < 5; i++ {
		got, err := distributed.Check(context.Background(), "k", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		want, _ := local.Check(context.Background(), "k", cfg, domain.CheckOptions{})

		assert.Equal(t, want, got, "check %d", i)
	}

	stats := distributed.Stats()
	assert.Equal(t, int64(5), stats.Fallbacks)
	assert.Equal(t, int64(3), stats.Allowed)
	assert.Equal(t, int64(2), stats.Denied)
}

func TestDistributedLimiter_FallbackOnEveryCacheOperation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *MockCache)
	}{
		{
			name: "token bucket fails",
			setup: func(m *MockCache) {
				m.On("TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(domain.TokenBucketResult{}, errCacheDown)
			},
		},
		{
			name: "window prune fails",
			setup: func(m *MockCache) {
				m.On("TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(domain.TokenBucketResult{Allowed: true, Tokens: 99}, nil)
				m.On("ZRemRangeByScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errCacheDown)
				m.On("ZRem", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errCacheDown)
			},
		},
		{
			name: "window reservation fails",
			setup: func(m *MockCache) {
				m.On("TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(domain.TokenBucketResult{Allowed: true, Tokens: 99}, nil)
				m.On("ZRemRangeByScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
				m.On("ZAdd", mock.Anything, mock.Anything, mock.Anything).Return(errCacheDown)
				m.On("ZRem", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
			},
		},
		{
			name: "window count fails",
			setup: func(m *MockCache) {
				m.On("TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(domain.TokenBucketResult{Allowed: true, Tokens: 99}, nil)
				m.On("ZRemRangeByScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
				m.On("ZAdd", mock.Anything, mock.Anything, mock.Anything).Return(nil)
				m.On("Expire", mock.Anything, mock.Anything, mock.Anything).Return(nil)
				m.On("ZCard", mock.Anything, mock.Anything).Return(int64(0), errCacheDown)
				m.On("ZRem", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &MockCache{}
			tt.setup(cache)

			limiter := NewDistributedLimiter(cache)
			result, err := limiter.Check(context.Background(), "k", testConfig(5), domain.CheckOptions{})

			require.NoError(t, err)
			assert.False(t, result.IsLimited)
			assert.Equal(t, domain.AlgorithmSlidingWindow, result.Algorithm)
			assert.Equal(t, int64(1), limiter.Stats().Fallbacks)
		})
	}
}

func TestDistributedLimiter_OpenCircuitSkipsCache(t *testing.T) {
	cache := newFailingCache()

	settings := breaker.DefaultSettings("rate-limit-cache")
	settings.FailureThreshold = 1
	settings.MaxRetries = 1
	settings.Timeout = time.Hour
	guard, err := breaker.NewStatefulBreaker(settings)
	require.NoError(t, err)

	limiter := NewDistributedLimiter(cache, WithGuard(guard))
	cfg := testConfig(10)

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		assert.False(t, result.IsLimited)
	}

	cache.AssertNumberOfCalls(t, "TakeTokens", 1)
	assert.Equal(t, breaker.StateOpen, guard.State().State)
	assert.Equal(t, int64(3), limiter.Stats().Fallbacks)
	assert.Equal(t, map[domain.LimitType]int{
		domain.LimitMinute: 3, domain.LimitHour: 3, domain.LimitDay: 3,
	}, usageOf(t, limiter.Fallback(), "k"))
}

func TestDistributedLimiter_FallbackWarningsAreThrottled(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLoggerWithOutput("warn", "json", &buf)

	limiter := NewDistributedLimiter(newFailingCache(), WithLogger(log))
	for i := 0; i < 20; i++ {
		_, err := limiter.Check(context.Background(), "k", testConfig(100), domain.CheckOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "falling back to in-memory limiter"))
	assert.Equal(t, int64(20), limiter.Stats().Fallbacks)
}

func TestDistributedLimiter_Disabled(t *testing.T) {
	cache := &MockCache{}
	limiter := NewDistributedLimiter(cache)

	result, err := limiter.Check(context.Background(), "k", &domain.RateLimitConfig{Enabled: false}, domain.CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.LimitDisabled, result.LimitType)
	cache.AssertNotCalled(t, "TakeTokens", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDistributedLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := storage.NewRedisCache(mr.Host(), mr.Port(), "", 0, "gw:", logger.NewNopLogger())
	t.Cleanup(func() { _ = cache.Close() })

	limiter := NewDistributedLimiter(cache)
	ctx := context.Background()
	cfg := testConfig(2)

	t.Run("limits and sets ttl", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			result, err := limiter.Check(ctx, "user:42", cfg, domain.CheckOptions{})
			require.NoError(t, err)
			assert.False(t, result.IsLimited)
		}
		result, err := limiter.Check(ctx, "user:42", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		assert.True(t, result.IsLimited)
		assert.Equal(t, domain.LimitMinute, result.LimitType)

		assert.InDelta(t, 66, mr.TTL("gw:rl:sw:user:42:minute").Seconds(), 1)
		assert.InDelta(t, 60, mr.TTL("gw:rl:tb:user:42:tokens").Seconds(), 1)
		assert.Equal(t, int64(0), limiter.Stats().Fallbacks)
	})

	t.Run("tracked keys", func(t *testing.T) {
		_, err := limiter.Check(ctx, "ip:10.0.0.1", cfg, domain.CheckOptions{})
		require.NoError(t, err)

		keys, err := limiter.TrackedKeys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:42", "ip:10.0.0.1"}, keys)
	})

	t.Run("reset clears state", func(t *testing.T) {
		require.NoError(t, limiter.Reset(ctx, "user:42"))
		assert.False(t, mr.Exists("gw:rl:sw:user:42:minute"))
		assert.False(t, mr.Exists("gw:rl:tb:user:42:tokens"))

		result, err := limiter.Check(ctx, "user:42", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		assert.False(t, result.IsLimited)
	})

	t.Run("falls back when redis fails", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")

		result, err := limiter.Check(ctx, "user:99", cfg, domain.CheckOptions{})
		require.NoError(t, err)
		assert.False(t, result.IsLimited)
		assert.Equal(t, domain.AlgorithmSlidingWindow, result.Algorithm)
	})
}

func TestDistributedLimiter_ConcurrencyBound(t *testing.T) {
	newRedis := func(t *testing.T) domain.CacheBackend {
		mr := miniredis.RunT(t)
		return storage.NewRedisCache(mr.Host(), mr.Port(), "", 0, "gw:", logger.NewNopLogger())
	}
	newMemory := func(t *testing.T) domain.CacheBackend {
		return storage.NewMemoryCache(logger.NewNopLogger())
	}

	tests := []struct {
		name     string
		cache    func(t *testing.T) domain.CacheBackend
		requests int
	}{
		{name: "redis 50 concurrent", cache: newRedis, requests: 50},
		{name: "redis 200 concurrent", cache: newRedis, requests: 200},
		{name: "memory 200 concurrent", cache: newMemory, requests: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := tt.cache(t)
			t.Cleanup(func() { _ = cache.Close() })

			limiter := NewDistributedLimiter(cache)
			cfg := &domain.RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 10,
				RequestsPerHour:   1000,
				RequestsPerDay:    10000,
				BurstSize:         1000,
				RefillRate:        10,
			}
			ctx := context.Background()

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < tt.requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					result, err := limiter.Check(ctx, "shared", cfg, domain.CheckOptions{})
					if err == nil && !result.IsLimited {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			require.Zero(t, limiter.Stats().Fallbacks)
			assert.LessOrEqual(t, allowed.Load(), int64(10))

			// Reservas negadas foram desfeitas: a janela guarda só as admitidas
			count, err := cache.ZCard(ctx, "rl:sw:shared:minute")
			require.NoError(t, err)
			assert.Equal(t, allowed.Load(), count)

			// Em sequência, o restante da cota é admitido e nada além dela
			for i := 0; i < 20; i++ {
				result, err := limiter.Check(ctx, "shared", cfg, domain.CheckOptions{})
				require.NoError(t, err)
				if !result.IsLimited {
					allowed.Add(1)
				}
			}
			assert.Equal(t, int64(10), allowed.Load())
		})
	}
}

func TestDistributedLimiter_TrackedKeysFallback(t *testing.T) {
	var buf bytes.Buffer
	cache := newFailingCache()
	cache.On("Keys", mock.Anything, mock.Anything).Return(nil, errCacheDown)
	limiter := NewDistributedLimiter(cache, WithLogger(logger.NewLoggerWithOutput("warn", "json", &buf)))
	ctx := context.Background()

	_, err := limiter.Check(ctx, "ip:10.0.0.7", testConfig(5), domain.CheckOptions{})
	require.NoError(t, err)

	keys, err := limiter.TrackedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ip:10.0.0.7"}, keys)
	assert.Contains(t, buf.String(), "falling back to in-memory limiter")
}

func TestBucketTTL(t *testing.T) {
	tests := []struct {
		burst    int
		refill   float64
		expected time.Duration
	}{
		{burst: 10, refill: 1, expected: 60 * time.Second},
		{burst: 100, refill: 1, expected: 200 * time.Second},
		{burst: 300, refill: 0.5, expected: 1200 * time.Second},
		{burst: 5, refill: 0, expected: 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, bucketTTL(tt.burst, tt.refill))
	}
}

func TestDistributedLimiter_Usage(t *testing.T) {
	t.Run("reads windows from cache", func(t *testing.T) {
		clock := newManualClock(baseTime)
		limiter, _ := newMemoryBackedLimiter(t, clock)
		cfg := testConfig(10)

		_, err := limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{Cost: 2})
		require.NoError(t, err)
		clock.Advance(61 * time.Second)
		_, err = limiter.Check(context.Background(), "k", cfg, domain.CheckOptions{})
		require.NoError(t, err)

		assert.Equal(t, map[domain.LimitType]int{
			domain.LimitMinute: 1, domain.LimitHour: 3, domain.LimitDay: 3,
		}, usageOf(t, limiter, "k"))
	})

	t.Run("failing cache answers with fallback", func(t *testing.T) {
		cache := newFailingCache()
		cache.On("ZRemRangeByScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errCacheDown)
		limiter := NewDistributedLimiter(cache)

		_, err := limiter.Check(context.Background(), "k", testConfig(10), domain.CheckOptions{})
		require.NoError(t, err)

		assert.Equal(t, map[domain.LimitType]int{
			domain.LimitMinute: 1, domain.LimitHour: 1, domain.LimitDay: 1,
		}, usageOf(t, limiter, "k"))
	})
}
