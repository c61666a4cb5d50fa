package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/domain"
)

// keyState é o histórico de uma chave, ordenado por instante
type keyState struct {
	mu      sync.Mutex
	stamps  []time.Time
	removed bool
}

// InMemoryLimiter aplica janelas deslizantes com estado local ao processo.
// Cada chave tem o seu próprio mutex; não existe lock global.
type InMemoryLimiter struct {
	keys  sync.Map // string → *keyState
	now   func() time.Time
	stats counters
}

// Option configura um limiter
type Option func(*options)

type options struct {
	now    func() time.Time
	logger domain.Logger
	guard  breaker.Guard
}

// WithClock injeta o relógio usado nas verificações
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger define o logger do limiter distribuído
func WithLogger(logger domain.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGuard protege o acesso ao cache com um breaker; circuito aberto vai direto ao fallback
func WithGuard(guard breaker.Guard) Option {
	return func(o *options) { o.guard = guard }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewInMemoryLimiter cria um limiter local
func NewInMemoryLimiter(opts ...Option) *InMemoryLimiter {
	o := buildOptions(opts)
	return &InMemoryLimiter{now: o.now}
}

// Check avalia minuto, hora e dia e, se nenhuma janela estourar, consome cost
func (l *InMemoryLimiter) Check(ctx context.Context, key string, cfg *domain.RateLimitConfig, opts domain.CheckOptions) (*domain.RateLimitResult, error) {
	result := l.check(key, cfg, opts)
	l.stats.record(result)
	return result, nil
}

func (l *InMemoryLimiter) check(key string, cfg *domain.RateLimitConfig, opts domain.CheckOptions) *domain.RateLimitResult {
	now := l.now()
	if isDisabled(cfg) {
		return disabledResult(now)
	}

	limits := cfg.EffectiveLimits(opts.Service, opts.Endpoint)
	cost := opts.NormalizedCost()

	state := l.lock(key)
	defer state.mu.Unlock()

	state.prune(now.Add(-retention))

	usages := make([]windowUsage, 0, len(windows))
	for _, w := range windows {
		usage := windowUsage{
			window: w,
			limit:  limits.ForWindow(w.limitType),
			count:  state.countSince(now.Add(-w.duration)),
		}
		if usage.exceeds(cost) {
			return deniedByWindow(now, usage, domain.AlgorithmSlidingWindow)
		}
		usages = append(usages, usage)
	}

	// O histórico precisa continuar ordenado mesmo se o relógio recuar
	stamp := now
	if n := len(state.stamps); n > 0 && state.stamps[n-1].After(now) {
		stamp = state.stamps[n-1]
	}
	for i := 0; i < cost; i++ {
		state.stamps = append(state.stamps, stamp)
	}

	return allowedByWindows(now, usages, cost, domain.AlgorithmSlidingWindow)
}

// lock devolve o estado da chave com o mutex adquirido
func (l *InMemoryLimiter) lock(key string) *keyState {
	for {
		value, _ := l.keys.LoadOrStore(key, &keyState{})
		state := value.(*keyState)

		state.mu.Lock()
		if !state.removed {
			return state
		}
		// Removido pelo Cleanup entre o Load e o Lock
		state.mu.Unlock()
	}
}

// Reset descarta o histórico da chave
func (l *InMemoryLimiter) Reset(ctx context.Context, key string) error {
	value, ok := l.keys.Load(key)
	if !ok {
		return nil
	}
	state := value.(*keyState)

	state.mu.Lock()
	state.removed = true
	l.keys.Delete(key)
	state.mu.Unlock()
	return nil
}

// Cleanup remove chaves sem requisições dentro da retenção; retorna quantas saíram
func (l *InMemoryLimiter) Cleanup() int {
	cutoff := l.now().Add(-retention)
	removed := 0

	l.keys.Range(func(key, value interface{}) bool {
		state := value.(*keyState)

		state.mu.Lock()
		state.prune(cutoff)
		if len(state.stamps) == 0 {
			state.removed = true
			l.keys.Delete(key)
			removed++
		}
		state.mu.Unlock()
		return true
	})

	return removed
}

// Usage retorna a contagem atual de cada janela sem consumir cota
func (l *InMemoryLimiter) Usage(ctx context.Context, key string) (map[domain.LimitType]int, error) {
	now := l.now()
	usage := make(map[domain.LimitType]int, len(windows))
	for _, w := range windows {
		usage[w.limitType] = 0
	}

	value, ok := l.keys.Load(key)
	if !ok {
		return usage, nil
	}
	state := value.(*keyState)

	state.mu.Lock()
	defer state.mu.Unlock()
	for _, w := range windows {
		usage[w.limitType] = state.countSince(now.Add(-w.duration))
	}
	return usage, nil
}

// TrackedKeys lista as chaves com histórico local, em ordem alfabética
func (l *InMemoryLimiter) TrackedKeys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	l.keys.Range(func(key, _ interface{}) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

// Stats retorna os contadores do limiter
func (l *InMemoryLimiter) Stats() Stats {
	return l.stats.snapshot()
}

// prune descarta entradas em ou antes de cutoff
func (s *keyState) prune(cutoff time.Time) {
	idx := s.firstAfter(cutoff)
	if idx == 0 {
		return
	}
	s.stamps = append(s.stamps[:0], s.stamps[idx:]...)
}

// countSince conta entradas estritamente depois de cutoff
func (s *keyState) countSince(cutoff time.Time) int {
	return len(s.stamps) - s.firstAfter(cutoff)
}

func (s *keyState) firstAfter(cutoff time.Time) int {
	return sort.Search(len(s.stamps), func(i int) bool {
		return s.stamps[i].After(cutoff)
	})
}
