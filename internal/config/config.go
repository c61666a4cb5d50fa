package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"

	"resilience-gateway/internal/breaker"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Server Configuration
	ServerPort string
	GinMode    string
	AppVersion string

	// Logging Configuration
	LogLevel  string
	LogFormat string
	// LogFile habilita a cópia dos logs em arquivo com rotação
	LogFile string

	// Rate Limiting Configuration
	RateLimitEnabled bool
	PolicyFile       string
	PolicyFromFile   bool
	Policy           *Policy

	// Cache Configuration
	CacheBackend   string
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Auth Configuration
	JWTSecret string
	JWTIssuer string

	Breaker BreakerConfig

	// Upstream protegido pelo breaker; vazio desabilita o proxy
	UpstreamURL string

	// Monitor Configuration
	MonitorWorkers   int
	MonitorQueueSize int
	MonitorStatsTTL  time.Duration
}

// BreakerConfig são os parâmetros comuns aos breakers da aplicação
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	CallTimeout      time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

// Settings monta as configurações de um breaker nomeado
func (b BreakerConfig) Settings(name string) breaker.Settings {
	settings := breaker.DefaultSettings(name)
	settings.FailureThreshold = b.FailureThreshold
	settings.SuccessThreshold = b.SuccessThreshold
	settings.Timeout = b.Timeout
	settings.CallTimeout = b.CallTimeout
	settings.MaxRetries = b.MaxRetries
	settings.BaseDelay = b.BaseDelay
	settings.MaxDelay = b.MaxDelay
	return settings
}

// ConfigLoader carrega a configuração do ambiente e a política de rate limit
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega .env (se existir), as variáveis de ambiente e a política
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Sem .env continua com as variáveis do sistema
	_ = godotenv.Load()

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	policy, fromFile, err := LoadPolicy(config.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit policy: %w", err)
	}
	if !config.RateLimitEnabled {
		policy.Disable()
	}
	config.Policy = policy
	config.PolicyFromFile = fromFile

	c.config = config
	return config, nil
}

// GetConfig retorna a última configuração carregada
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "release"),
		AppVersion: getEnvWithDefault("APP_VERSION", "dev"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),
		LogFile:   getEnvWithDefault("LOG_FILE", ""),

		PolicyFile: getEnvWithDefault("RATE_LIMIT_POLICY_FILE", "configs/ratelimit.yaml"),

		CacheBackend:   getEnvWithDefault("CACHE_BACKEND", "redis"),
		RedisHost:      getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:      getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword:  getEnvWithDefault("REDIS_PASSWORD", ""),
		RedisKeyPrefix: getEnvWithDefault("REDIS_KEY_PREFIX", "gateway:"),

		JWTSecret: getEnvWithDefault("JWT_SECRET", ""),
		JWTIssuer: getEnvWithDefault("JWT_ISSUER", ""),

		UpstreamURL: getEnvWithDefault("UPSTREAM_URL", ""),
	}

	var err error
	if config.RateLimitEnabled, err = strconv.ParseBool(getEnvWithDefault("RATE_LIMIT_ENABLED", "true")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_ENABLED value: %w", err)
	}

	ints := []struct {
		key          string
		defaultValue string
		target       *int
	}{
		{"REDIS_DB", "0", &config.RedisDB},
		{"BREAKER_FAILURE_THRESHOLD", "5", &config.Breaker.FailureThreshold},
		{"BREAKER_SUCCESS_THRESHOLD", "2", &config.Breaker.SuccessThreshold},
		{"BREAKER_MAX_RETRIES", "3", &config.Breaker.MaxRetries},
		{"MONITOR_WORKERS", "2", &config.MonitorWorkers},
		{"MONITOR_QUEUE_SIZE", "1024", &config.MonitorQueueSize},
	}
	for _, item := range ints {
		value, err := strconv.Atoi(getEnvWithDefault(item.key, item.defaultValue))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", item.key, err)
		}
		*item.target = value
	}

	durations := []struct {
		key          string
		defaultValue string
		target       *time.Duration
	}{
		{"BREAKER_TIMEOUT", "60s", &config.Breaker.Timeout},
		{"BREAKER_CALL_TIMEOUT", "30s", &config.Breaker.CallTimeout},
		{"BREAKER_BASE_DELAY", "1s", &config.Breaker.BaseDelay},
		{"BREAKER_MAX_DELAY", "60s", &config.Breaker.MaxDelay},
		{"MONITOR_STATS_TTL", "24h", &config.MonitorStatsTTL},
	}
	// Aceita também dias e semanas ("7d", "1w")
	for _, item := range durations {
		value, err := str2duration.ParseDuration(getEnvWithDefault(item.key, item.defaultValue))
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", item.key, err)
		}
		*item.target = value
	}

	// Valida configurações obrigatórias
	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	if config.CacheBackend != "redis" && config.CacheBackend != "memory" {
		return fmt.Errorf("CACHE_BACKEND must be redis or memory")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	if config.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("BREAKER_SUCCESS_THRESHOLD must be at least 1")
	}

	if config.Breaker.MaxRetries < 1 {
		return fmt.Errorf("BREAKER_MAX_RETRIES must be at least 1")
	}

	if config.Breaker.Timeout <= 0 || config.Breaker.CallTimeout <= 0 {
		return fmt.Errorf("BREAKER_TIMEOUT and BREAKER_CALL_TIMEOUT must be greater than 0")
	}

	if config.MonitorWorkers < 1 {
		return fmt.Errorf("MONITOR_WORKERS must be at least 1")
	}

	if config.MonitorQueueSize < 1 {
		return fmt.Errorf("MONITOR_QUEUE_SIZE must be at least 1")
	}

	if config.MonitorStatsTTL <= 0 {
		return fmt.Errorf("MONITOR_STATS_TTL must be greater than 0")
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
