package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"resilience-gateway/internal/domain"
)

// Policy reúne os tiers de rate limiting e o modelo de custo por requisição
type Policy struct {
	Tiers         map[domain.Tier]*domain.RateLimitConfig
	MethodCosts   map[string]int
	EndpointCosts map[string]int
	SkipPaths     []string
}

// policyFile é o formato YAML do arquivo de política
type policyFile struct {
	Tiers         map[domain.Tier]tierSpec `yaml:"tiers"`
	MethodCosts   map[string]int           `yaml:"method_costs"`
	EndpointCosts map[string]int           `yaml:"endpoint_costs"`
	SkipPaths     []string                 `yaml:"skip_paths"`
}

// tierSpec usa *bool para que "enabled" omitido signifique habilitado
type tierSpec struct {
	Enabled            *bool                           `yaml:"enabled"`
	RequestsPerMinute  int                             `yaml:"requests_per_minute"`
	RequestsPerHour    int                             `yaml:"requests_per_hour"`
	RequestsPerDay     int                             `yaml:"requests_per_day"`
	BurstSize          int                             `yaml:"burst_size"`
	RefillRate         float64                         `yaml:"refill_rate"`
	ServiceMultipliers map[string]float64              `yaml:"service_multipliers"`
	EndpointOverrides  map[string]domain.LimitOverride `yaml:"endpoint_overrides"`
}

func (s tierSpec) toConfig() *domain.RateLimitConfig {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return &domain.RateLimitConfig{
		Enabled:            enabled,
		RequestsPerMinute:  s.RequestsPerMinute,
		RequestsPerHour:    s.RequestsPerHour,
		RequestsPerDay:     s.RequestsPerDay,
		BurstSize:          s.BurstSize,
		RefillRate:         s.RefillRate,
		ServiceMultipliers: s.ServiceMultipliers,
		EndpointOverrides:  s.EndpointOverrides,
	}
}

// DefaultPolicy retorna a política embutida usada quando não há arquivo
func DefaultPolicy() *Policy {
	return &Policy{
		Tiers: map[domain.Tier]*domain.RateLimitConfig{
			domain.TierUnauthenticated: {
				Enabled:           true,
				RequestsPerMinute: 20,
				RequestsPerHour:   300,
				RequestsPerDay:    2000,
				BurstSize:         10,
				RefillRate:        0.5,
				EndpointOverrides: map[string]domain.LimitOverride{
					"/api/v1/generate": {RequestsPerMinute: 2, RequestsPerHour: 20},
				},
			},
			domain.TierUser: {
				Enabled:           true,
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
				RequestsPerDay:    10000,
				BurstSize:         20,
				RefillRate:        1,
				EndpointOverrides: map[string]domain.LimitOverride{
					"/api/v1/generate": {RequestsPerMinute: 10, RequestsPerHour: 200},
				},
			},
			domain.TierPremiumUser: {
				Enabled:           true,
				RequestsPerMinute: 300,
				RequestsPerHour:   10000,
				RequestsPerDay:    100000,
				BurstSize:         50,
				RefillRate:        5,
			},
			domain.TierAgent: {
				Enabled:           true,
				RequestsPerMinute: 120,
				RequestsPerHour:   3000,
				RequestsPerDay:    30000,
				BurstSize:         30,
				RefillRate:        2,
				ServiceMultipliers: map[string]float64{
					"search":    1.5,
					"reporting": 0.5,
				},
			},
			domain.TierPremiumAgent: {
				Enabled:           true,
				RequestsPerMinute: 600,
				RequestsPerHour:   20000,
				RequestsPerDay:    200000,
				BurstSize:         100,
				RefillRate:        10,
			},
		},
		MethodCosts: map[string]int{
			"GET":    1,
			"POST":   2,
			"PUT":    2,
			"PATCH":  1,
			"DELETE": 1,
		},
		EndpointCosts: map[string]int{
			"/api/v1/generate": 5,
			"/api/v1/ai":       5,
		},
		SkipPaths: []string{"/health", "/metrics", "/docs", "/favicon.ico"},
	}
}

// LoadPolicy lê a política YAML. Um path vazio ou inexistente devolve a política padrão.
func LoadPolicy(path string) (*Policy, bool, error) {
	if path == "" {
		return DefaultPolicy(), false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPolicy(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		return nil, false, err
	}
	return policy, true, nil
}

// ParsePolicy decodifica e valida uma política YAML.
// Seções omitidas herdam os valores da política padrão.
func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	policy := DefaultPolicy()
	if len(file.Tiers) > 0 {
		policy.Tiers = make(map[domain.Tier]*domain.RateLimitConfig, len(file.Tiers))
		for tier, spec := range file.Tiers {
			policy.Tiers[tier] = spec.toConfig()
		}
	}
	if len(file.MethodCosts) > 0 {
		policy.MethodCosts = make(map[string]int, len(file.MethodCosts))
		for method, cost := range file.MethodCosts {
			policy.MethodCosts[strings.ToUpper(method)] = cost
		}
	}
	if file.EndpointCosts != nil {
		policy.EndpointCosts = file.EndpointCosts
	}
	if file.SkipPaths != nil {
		policy.SkipPaths = file.SkipPaths
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Validate verifica os tiers e os custos da política
func (p *Policy) Validate() error {
	if _, ok := p.Tiers[domain.TierUnauthenticated]; !ok {
		return fmt.Errorf("%w: tier %s is required", domain.ErrInvalidConfig, domain.TierUnauthenticated)
	}
	for tier, cfg := range p.Tiers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
	}
	for method, cost := range p.MethodCosts {
		if cost < 1 {
			return fmt.Errorf("%w: cost for method %s must be at least 1", domain.ErrInvalidConfig, method)
		}
	}
	for endpoint, multiplier := range p.EndpointCosts {
		if multiplier < 1 {
			return fmt.Errorf("%w: cost multiplier for %s must be at least 1", domain.ErrInvalidConfig, endpoint)
		}
	}
	return nil
}

// TierConfig retorna a configuração do tier; tiers desconhecidos caem no unauthenticated
func (p *Policy) TierConfig(tier domain.Tier) *domain.RateLimitConfig {
	if cfg, ok := p.Tiers[tier]; ok {
		return cfg
	}
	return p.Tiers[domain.TierUnauthenticated]
}

// HasTier informa se o tier foi configurado explicitamente
func (p *Policy) HasTier(tier domain.Tier) bool {
	_, ok := p.Tiers[tier]
	return ok
}

// TierNames lista os tiers configurados em ordem alfabética
func (p *Policy) TierNames() []domain.Tier {
	names := make([]domain.Tier, 0, len(p.Tiers))
	for tier := range p.Tiers {
		names = append(names, tier)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Disable desliga todos os tiers (RATE_LIMIT_ENABLED=false)
func (p *Policy) Disable() {
	for _, cfg := range p.Tiers {
		cfg.Enabled = false
	}
}
