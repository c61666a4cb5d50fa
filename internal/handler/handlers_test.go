package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resilience-gateway/internal/auth"
	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/config"
	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"
	"resilience-gateway/internal/monitor"
	"resilience-gateway/internal/ratelimit"
	"resilience-gateway/internal/storage"
)

const testSecret = "handler-test-secret"

// downCache é um cache cujo Ping sempre falha
type downCache struct {
	domain.CacheBackend
}

func (downCache) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

type testEnv struct {
	router   *gin.Engine
	deps     Dependencies
	limiter  *ratelimit.InMemoryLimiter
	registry *breaker.Registry
}

func newTestEnv(t *testing.T, customize ...func(*Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := storage.NewMemoryCache(logger.NewNopLogger())
	t.Cleanup(func() { _ = cache.Close() })

	limiter := ratelimit.NewInMemoryLimiter()
	registry := breaker.NewRegistry()

	deps := Dependencies{
		Limiter:  limiter,
		Policy:   config.DefaultPolicy(),
		Cache:    cache,
		Breakers: registry,
		Tokens:   auth.NewTokenParser(testSecret, ""),
		Logger:   logger.NewNopLogger(),
		Version:  "test",
	}
	for _, fn := range customize {
		fn(&deps)
	}

	router := gin.New()
	NewHandlers(deps).SetupRoutes(router)

	return &testEnv{router: router, deps: deps, limiter: limiter, registry: registry}
}

func (e *testEnv) token(t *testing.T, principal domain.Principal) string {
	t.Helper()
	token, err := e.deps.Tokens.Sign(principal, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.7:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		cache          domain.CacheBackend
		expectedStatus string
		expectedCache  string
	}{
		{name: "healthy cache", expectedStatus: "healthy", expectedCache: "up"},
		{name: "cache down degrades", cache: downCache{}, expectedStatus: "degraded", expectedCache: "down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *Dependencies) {
				if tt.cache != nil {
					d.Cache = tt.cache
				}
			})

			w := env.do(http.MethodGet, "/health", "", nil)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
			body := decode(t, w)
			assert.Equal(t, tt.expectedStatus, body["status"])
			assert.Equal(t, "test", body["version"])
			assert.Equal(t, tt.expectedCache, body["checks"].(map[string]interface{})["cache"])
		})
	}
}

func TestExampleHandler(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/items/42", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
	body := decode(t, w)
	assert.Equal(t, "ip:198.51.100.7", body["key"])
	assert.Equal(t, "unauthenticated", body["tier"])
	assert.Equal(t, "42", body["id"])
	assert.Equal(t, float64(1), body["cost"])

	token := env.token(t, domain.Principal{Type: domain.PrincipalAgent, ID: "a-1", Premium: true})
	w = env.do(http.MethodPost, "/api/v1/data", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "agent:a-1", body["key"])
	assert.Equal(t, "premium_agent", body["tier"])
	assert.Equal(t, float64(2), body["cost"])
}

func TestMetricsHandler(t *testing.T) {
	reporter := monitor.NewReporter(monitor.MultiSink{}, logger.NewNopLogger(), 1, 8)
	t.Cleanup(func() { _ = reporter.Close(context.Background()) })

	env := newTestEnv(t, func(d *Dependencies) { d.Reporter = reporter })
	guard, err := breaker.NewStatefulBreaker(breaker.DefaultSettings("upstream"), breaker.WithRegistry(env.registry))
	require.NoError(t, err)
	require.NotNil(t, guard)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/data", "", nil).Code)

	w := env.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["rate_limiter"].(map[string]interface{})["checks"])
	assert.Equal(t, float64(1), body["reporter"].(map[string]interface{})["reported"])
	breakers := body["breakers"].([]interface{})
	require.Len(t, breakers, 1)
	assert.Equal(t, "upstream", breakers[0].(map[string]interface{})["name"])
	assert.Equal(t, "CLOSED", breakers[0].(map[string]interface{})["state"])
	assert.Contains(t, body, "system")
	assert.NotContains(t, body, "totals")
}

func TestMetricsHandler_CacheCounters(t *testing.T) {
	cache := storage.NewMemoryCache(logger.NewNopLogger())
	t.Cleanup(func() { _ = cache.Close() })

	settings := breaker.DefaultSettings("stats-writer")
	settings.MaxRetries = 1
	guard, err := breaker.NewSimpleBreaker(settings)
	require.NoError(t, err)
	sink := monitor.NewCacheSink(cache, guard, time.Hour)

	require.NoError(t, sink.Record(context.Background(), monitor.Event{Key: "k", Allowed: true, At: time.Now()}))
	require.NoError(t, sink.Record(context.Background(), monitor.Event{Key: "k", Allowed: false, At: time.Now()}))

	env := newTestEnv(t, func(d *Dependencies) { d.Stats = sink })

	body := decode(t, env.do(http.MethodGet, "/metrics", "", nil))

	assert.Equal(t, map[string]interface{}{"allowed": float64(1), "denied": float64(1)}, body["totals"])
	assert.Contains(t, body, "current_minute")
}
