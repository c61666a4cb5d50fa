package storage

import (
	"fmt"
	"strings"

	"resilience-gateway/internal/domain"
)

// CacheType define os tipos de cache disponíveis
type CacheType string

const (
	RedisCacheType  CacheType = "redis"
	MemoryCacheType CacheType = "memory"
)

// CacheConfig contém configurações para criação do cache
type CacheConfig struct {
	Type        CacheType
	KeyPrefix   string
	RedisConfig *RedisConfig
}

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// CacheFactory cria instâncias de cache seguindo Strategy Pattern
type CacheFactory struct{}

// NewCacheFactory cria uma nova instância da factory
func NewCacheFactory() *CacheFactory {
	return &CacheFactory{}
}

// CreateCache cria o backend de cache conforme a configuração.
// O Redis não é contatado aqui: a conexão é aberta no primeiro uso.
func (f *CacheFactory) CreateCache(config *CacheConfig, logger domain.Logger) (domain.CacheBackend, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch CacheType(strings.ToLower(string(config.Type))) {
	case RedisCacheType:
		redisCfg := config.RedisConfig
		cache := NewRedisCache(redisCfg.Host, redisCfg.Port, redisCfg.Password, redisCfg.Database, config.KeyPrefix, logger)
		if logger != nil {
			logger.Info("Redis cache created", map[string]interface{}{
				"host":     redisCfg.Host,
				"port":     redisCfg.Port,
				"database": redisCfg.Database,
				"prefix":   config.KeyPrefix,
			})
		}
		return cache, nil
	default:
		return NewMemoryCache(logger), nil
	}
}

// GetSupportedTypes retorna os tipos de cache suportados
func (f *CacheFactory) GetSupportedTypes() []CacheType {
	return []CacheType{RedisCacheType, MemoryCacheType}
}

// ValidateConfig valida uma configuração de cache
func (f *CacheFactory) ValidateConfig(config *CacheConfig) error {
	if config == nil {
		return fmt.Errorf("cache config cannot be nil")
	}

	switch CacheType(strings.ToLower(string(config.Type))) {
	case RedisCacheType:
		return f.validateRedisConfig(config.RedisConfig)
	case MemoryCacheType:
		return nil
	default:
		return fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *CacheFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}

	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}

	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}

	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}

	return nil
}

// BuildCacheConfig monta a configuração de cache a partir dos valores de ambiente
func BuildCacheConfig(cacheType, keyPrefix, redisHost, redisPort, redisPassword string, redisDB int) *CacheConfig {
	config := &CacheConfig{
		Type:      CacheType(strings.ToLower(cacheType)),
		KeyPrefix: keyPrefix,
	}

	if config.Type == RedisCacheType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}
