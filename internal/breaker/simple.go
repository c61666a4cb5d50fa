package breaker

import (
	"context"
	"sync"
	"time"

	"resilience-gateway/internal/domain"
)

// SimpleBreaker aplica retry/backoff/timeout sem máquina de estados.
// Usado quando basta insistir na chamada, sem cortar o tráfego.
type SimpleBreaker struct {
	settings Settings
	retrier  *retrier
	logger   domain.Logger
	now      func() time.Time
	created  time.Time
	metrics  metrics

	mu              sync.Mutex
	lastFailureTime time.Time
}

// NewSimpleBreaker cria o breaker e, se configurado, o registra
func NewSimpleBreaker(settings Settings, opts ...Option) (*SimpleBreaker, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()
	o := buildOptions(opts)

	b := &SimpleBreaker{
		settings: settings,
		retrier:  &retrier{settings: settings, sleep: o.sleep},
		logger:   o.logger,
		now:      o.now,
		created:  o.now(),
	}

	if o.registry != nil {
		if err := o.registry.Register(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *SimpleBreaker) Name() string {
	return b.settings.Name
}

// Call executa fn com retry/backoff; o erro final volta intacto ao chamador
func (b *SimpleBreaker) Call(ctx context.Context, fn Func) (interface{}, error) {
	b.metrics.calls.Add(1)

	value, err := b.retrier.run(ctx, fn)

	switch classify(ctx, b.settings, err) {
	case outcomeSuccess:
		b.metrics.successes.Add(1)
	case outcomeFailure:
		b.metrics.failures.Add(1)
		if IsTimeout(err) {
			b.metrics.timeouts.Add(1)
		}
		b.mu.Lock()
		b.lastFailureTime = b.now()
		b.mu.Unlock()

		if b.logger != nil {
			b.logger.Debug("Protected call failed after retries", map[string]interface{}{
				"breaker": b.settings.Name,
				"error":   err.Error(),
			})
		}
	}

	return value, err
}

// State retorna o snapshot; um SimpleBreaker está sempre CLOSED
func (b *SimpleBreaker) State() Snapshot {
	snapshot := Snapshot{
		Name:            b.settings.Name,
		Kind:            KindSimple,
		State:           StateClosed,
		StateChangeTime: b.created,
		Thresholds:      thresholdsOf(b.settings),
		Metrics:         b.metrics.snapshot(),
	}

	b.mu.Lock()
	if !b.lastFailureTime.IsZero() {
		last := b.lastFailureTime
		snapshot.LastFailureTime = &last
	}
	b.mu.Unlock()

	return snapshot
}
