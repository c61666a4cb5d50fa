package storage

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"resilience-gateway/internal/domain"
)

// memoryEntry guarda um valor string ou um sorted set, com expiração opcional
type memoryEntry struct {
	value     string
	zset      map[string]float64
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implementa domain.CacheBackend em memória.
// Emula a semântica do Redis (operação serializada por chamada) para
// deployments single-node e testes.
type MemoryCache struct {
	entries map[string]*memoryEntry
	mutex   sync.Mutex
	logger  domain.Logger
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// MemoryCacheOption configura o MemoryCache
type MemoryCacheOption func(*MemoryCache)

// WithMemoryClock injeta o relógio usado para TTLs
func WithMemoryClock(now func() time.Time) MemoryCacheOption {
	return func(m *MemoryCache) { m.now = now }
}

// NewMemoryCache cria uma nova instância do MemoryCache
func NewMemoryCache(logger domain.Logger, opts ...MemoryCacheOption) *MemoryCache {
	cache := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cache)
	}

	// Inicia goroutine de limpeza
	go cache.cleanup(time.Minute)

	if logger != nil {
		logger.Info("Memory cache initialized", nil)
	}

	return cache
}

// lookup retorna a entrada viva de uma chave; deve ser chamado com o mutex adquirido
func (m *MemoryCache) lookup(key string) (*memoryEntry, bool) {
	entry, exists := m.entries[key]
	if !exists {
		return nil, false
	}
	if entry.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

// Get recupera o valor de uma chave
func (m *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		m.logCacheOperation("GET", key, time.Since(start), nil)
		return "", false, nil
	}
	if entry.zset != nil {
		err := wrongType("GET", key)
		m.logCacheOperation("GET", key, time.Since(start), err)
		return "", false, err
	}

	m.logCacheOperation("GET", key, time.Since(start), nil)
	return entry.value, true, nil
}

// Set define o valor de uma chave
func (m *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.setLocked(key, value, ttl)

	m.logCacheOperation("SET", key, time.Since(start), nil)
	return nil
}

func (m *MemoryCache) setLocked(key, value string, ttl time.Duration) {
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
}

// Incr incrementa o contador de uma chave, mantendo o TTL existente
func (m *MemoryCache) Incr(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, err := m.incrLocked(key)
	m.logCacheOperation("INCR", key, time.Since(start), err)
	return current, err
}

func (m *MemoryCache) incrLocked(key string) (int64, error) {
	entry, exists := m.lookup(key)
	if !exists {
		entry = &memoryEntry{value: "0"}
		m.entries[key] = entry
	}
	if entry.zset != nil {
		return 0, wrongType("INCR", key)
	}

	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("INCR %s: value is not an integer", key)
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	return current, nil
}

// Pipeline executa o lote inteiro sob o mesmo lock
func (m *MemoryCache) Pipeline(ctx context.Context, ops []domain.PipelineOp) ([]domain.PipelineResult, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	results := make([]domain.PipelineResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case domain.PipelineGet:
			if entry, exists := m.lookup(op.Key); exists && entry.zset == nil {
				results[i] = domain.PipelineResult{Value: entry.value, Found: true}
			}
		case domain.PipelineSet:
			m.setLocked(op.Key, op.Value, op.TTL)
			results[i] = domain.PipelineResult{Value: op.Value, Found: true}
		case domain.PipelineIncr:
			current, err := m.incrLocked(op.Key)
			if err != nil {
				m.logCacheOperation("PIPELINE", op.Key, time.Since(start), err)
				return nil, err
			}
			results[i] = domain.PipelineResult{Value: strconv.FormatInt(current, 10), Found: true}
		case domain.PipelineExpire:
			results[i] = domain.PipelineResult{Found: m.expireLocked(op.Key, op.TTL)}
		default:
			err := fmt.Errorf("PIPELINE: unsupported op kind %d", op.Kind)
			m.logCacheOperation("PIPELINE", op.Key, time.Since(start), err)
			return nil, err
		}
	}

	m.logCacheOperation("PIPELINE", fmt.Sprintf("%d ops", len(ops)), time.Since(start), nil)
	return results, nil
}

// ZAdd adiciona membros a um sorted set
func (m *MemoryCache) ZAdd(ctx context.Context, key string, members ...domain.ZMember) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		entry = &memoryEntry{zset: make(map[string]float64, len(members))}
		m.entries[key] = entry
	}
	if entry.zset == nil {
		err := wrongType("ZADD", key)
		m.logCacheOperation("ZADD", key, time.Since(start), err)
		return err
	}

	for _, member := range members {
		entry.zset[member.Member] = member.Score
	}

	m.logCacheOperation("ZADD", key, time.Since(start), nil)
	return nil
}

// TakeTokens reabastece e debita o bucket sob o lock do cache
func (m *MemoryCache) TakeTokens(ctx context.Context, tokensKey, stampKey string, req domain.TokenBucketRequest) (domain.TokenBucketResult, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	tokens := req.Capacity
	if entry, exists := m.lookup(tokensKey); exists && entry.zset == nil {
		if stored, err := strconv.ParseFloat(entry.value, 64); err == nil {
			tokens = stored
		}
	}

	now := req.Now.UnixNano()
	last := now
	if entry, exists := m.lookup(stampKey); exists && entry.zset == nil {
		if stamp, err := strconv.ParseInt(entry.value, 10, 64); err == nil {
			last = stamp
		}
	}

	if now > last && req.RefillRate > 0 {
		tokens += float64(now-last) / 1e9 * req.RefillRate
	}
	tokens = math.Max(0, math.Min(tokens, req.Capacity))

	if tokens < req.Cost {
		m.logCacheOperation("TAKETOKENS", tokensKey, time.Since(start), nil)
		return domain.TokenBucketResult{Tokens: tokens}, nil
	}

	tokens -= req.Cost
	// O instante de refill nunca recua
	if last > now {
		now = last
	}
	m.setLocked(tokensKey, strconv.FormatFloat(tokens, 'f', -1, 64), req.TTL)
	m.setLocked(stampKey, strconv.FormatInt(now, 10), req.TTL)

	m.logCacheOperation("TAKETOKENS", tokensKey, time.Since(start), nil)
	return domain.TokenBucketResult{Allowed: true, Tokens: tokens}, nil
}

// ZRem remove membros específicos de um sorted set
func (m *MemoryCache) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		m.logCacheOperation("ZREM", key, time.Since(start), nil)
		return 0, nil
	}
	if entry.zset == nil {
		err := wrongType("ZREM", key)
		m.logCacheOperation("ZREM", key, time.Since(start), err)
		return 0, err
	}

	var removed int64
	for _, member := range members {
		if _, ok := entry.zset[member]; ok {
			delete(entry.zset, member)
			removed++
		}
	}
	if len(entry.zset) == 0 {
		delete(m.entries, key)
	}

	m.logCacheOperation("ZREM", key, time.Since(start), nil)
	return removed, nil
}

// ZRemRangeByScore remove membros com score em [min, max]
func (m *MemoryCache) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		m.logCacheOperation("ZREMRANGEBYSCORE", key, time.Since(start), nil)
		return 0, nil
	}
	if entry.zset == nil {
		err := wrongType("ZREMRANGEBYSCORE", key)
		m.logCacheOperation("ZREMRANGEBYSCORE", key, time.Since(start), err)
		return 0, err
	}

	var removed int64
	for member, score := range entry.zset {
		if score >= min && score <= max {
			delete(entry.zset, member)
			removed++
		}
	}
	if len(entry.zset) == 0 {
		delete(m.entries, key)
	}

	m.logCacheOperation("ZREMRANGEBYSCORE", key, time.Since(start), nil)
	return removed, nil
}

// ZCard retorna a cardinalidade de um sorted set
func (m *MemoryCache) ZCard(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.lookup(key)
	if !exists {
		m.logCacheOperation("ZCARD", key, time.Since(start), nil)
		return 0, nil
	}
	if entry.zset == nil {
		err := wrongType("ZCARD", key)
		m.logCacheOperation("ZCARD", key, time.Since(start), err)
		return 0, err
	}

	m.logCacheOperation("ZCARD", key, time.Since(start), nil)
	return int64(len(entry.zset)), nil
}

// Expire define o TTL de uma chave existente; ttl <= 0 remove a chave
func (m *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.expireLocked(key, ttl)

	m.logCacheOperation("EXPIRE", key, time.Since(start), nil)
	return nil
}

func (m *MemoryCache) expireLocked(key string, ttl time.Duration) bool {
	entry, exists := m.lookup(key)
	if !exists {
		return false
	}
	if ttl <= 0 {
		delete(m.entries, key)
	} else {
		entry.expiresAt = m.now().Add(ttl)
	}
	return true
}

// Delete remove chaves e retorna quantas existiam
func (m *MemoryCache) Delete(ctx context.Context, keys ...string) (int64, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, exists := m.lookup(key); exists {
			delete(m.entries, key)
			deleted++
		}
	}

	m.logCacheOperation("DEL", fmt.Sprintf("%d keys", len(keys)), time.Since(start), nil)
	return deleted, nil
}

// Keys lista as chaves vivas que casam com o padrão glob
func (m *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	keys := make([]string, 0)
	for key := range m.entries {
		if _, exists := m.lookup(key); !exists {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			err = fmt.Errorf("KEYS %s: %w", pattern, err)
			m.logCacheOperation("KEYS", pattern, time.Since(start), err)
			return nil, err
		}
		if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	m.logCacheOperation("KEYS", pattern, time.Since(start), nil)
	return keys, nil
}

// Ping verifica se o cache está saudável
func (m *MemoryCache) Ping(ctx context.Context) error {
	m.mutex.Lock()
	size := len(m.entries)
	m.mutex.Unlock()

	if m.logger != nil {
		m.logger.Debug("Memory cache health check", map[string]interface{}{
			"entries": size,
		})
	}
	return nil
}

// Close para a limpeza periódica e descarta os dados
func (m *MemoryCache) Close() error {
	m.once.Do(func() { close(m.stop) })

	m.mutex.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mutex.Unlock()

	if m.logger != nil {
		m.logger.Info("Memory cache closed", nil)
	}
	return nil
}

// GetStats retorna estatísticas do cache em memória
func (m *MemoryCache) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return map[string]interface{}{
		"entries": len(m.entries),
		"type":    string(MemoryCacheType),
	}
}

// cleanup remove entradas expiradas periodicamente
func (m *MemoryCache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanupExpiredEntries()
		}
	}
}

// cleanupExpiredEntries remove entradas expiradas
func (m *MemoryCache) cleanupExpiredEntries() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory cache cleanup completed", map[string]interface{}{
			"removed_entries": removed,
		})
	}
	return removed
}

// logCacheOperation registra operações do cache
func (m *MemoryCache) logCacheOperation(operation, key string, latency time.Duration, err error) {
	logCacheOperation(m.logger, string(MemoryCacheType), operation, key, latency, err)
}

func wrongType(operation, key string) error {
	return fmt.Errorf("%s %s: WRONGTYPE operation against a key holding the wrong kind of value", operation, key)
}
