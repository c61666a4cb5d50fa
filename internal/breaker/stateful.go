package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"resilience-gateway/internal/domain"
)

// StatefulBreaker combina retry/backoff com a máquina CLOSED/OPEN/HALF_OPEN do gobreaker.
// Esgotar os retries entra no gobreaker como uma única requisição.
// O relógio injetado carimba os snapshots; as transições seguem o relógio do gobreaker.
type StatefulBreaker struct {
	settings Settings
	retrier  *retrier
	cb       *gobreaker.CircuitBreaker[interface{}]
	logger   domain.Logger
	now      func() time.Time
	metrics  metrics

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	stateChangeTime time.Time
}

// ignoredError embrulha erros que não entram na contabilidade do circuito
type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }

func (e *ignoredError) Unwrap() error { return e.err }

// NewStatefulBreaker cria o breaker e, se configurado, o registra
func NewStatefulBreaker(settings Settings, opts ...Option) (*StatefulBreaker, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()
	o := buildOptions(opts)

	b := &StatefulBreaker{
		settings:        settings,
		retrier:         &retrier{settings: settings, sleep: o.sleep},
		logger:          o.logger,
		now:             o.now,
		state:           StateClosed,
		stateChangeTime: o.now(),
	}

	threshold := uint32(settings.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: uint32(settings.SuccessThreshold),
		// gobreaker trata zero como 60s
		Timeout: max(settings.Timeout, time.Nanosecond),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: func(err error) bool {
			var ignored *ignoredError
			return errors.As(err, &ignored)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(stateOf(from), stateOf(to))
		},
	})

	if o.registry != nil {
		if err := o.registry.Register(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Name retorna o nome único do breaker
func (b *StatefulBreaker) Name() string {
	return b.settings.Name
}

// Call executa fn se o circuito permitir.
// Com o circuito aberto devolve *CircuitOpenError sem invocar fn; esgotar
// os retries conta como uma única falha e o erro original volta ao chamador.
func (b *StatefulBreaker) Call(ctx context.Context, fn Func) (interface{}, error) {
	b.metrics.calls.Add(1)

	var result outcome
	value, err := b.cb.Execute(func() (interface{}, error) {
		value, err := b.retrier.run(ctx, fn)
		result = classify(ctx, b.settings, err)
		if result == outcomeIgnored {
			return value, &ignoredError{err: err}
		}
		return value, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.metrics.rejections.Add(1)
		b.mu.Lock()
		failures := b.failureCount
		b.mu.Unlock()
		return nil, &CircuitOpenError{Name: b.settings.Name, FailureCount: failures}
	}

	var ignored *ignoredError
	if errors.As(err, &ignored) {
		err = ignored.err
	}

	switch result {
	case outcomeSuccess:
		b.metrics.successes.Add(1)
		b.onSuccess()
	case outcomeFailure:
		b.metrics.failures.Add(1)
		if IsTimeout(err) {
			b.metrics.timeouts.Add(1)
		}
		b.onFailure(err)
	}

	return value, err
}

func (b *StatefulBreaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
	}
}

func (b *StatefulBreaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.logger != nil {
		b.logger.Debug("Circuit breaker recorded failure", map[string]interface{}{
			"breaker":       b.settings.Name,
			"state":         b.state.String(),
			"failure_count": b.failureCount,
			"error":         err.Error(),
		})
	}
}

// onStateChange roda dentro do gobreaker, com o mutex dele adquirido
func (b *StatefulBreaker) onStateChange(from, to State) {
	b.mu.Lock()
	b.state = to
	b.stateChangeTime = b.now()
	b.successCount = 0

	switch to {
	case StateOpen:
		b.metrics.opens.Add(1)
	case StateClosed:
		b.failureCount = 0
		b.metrics.closes.Add(1)
	}
	b.mu.Unlock()

	if b.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"breaker": b.settings.Name,
		"from":    from.String(),
		"to":      to.String(),
	}
	if to == StateOpen {
		b.logger.Warn("Circuit breaker opened", fields)
	} else {
		b.logger.Info("Circuit breaker state changed", fields)
	}
}

// State retorna um snapshot do estado atual
func (b *StatefulBreaker) State() Snapshot {
	// Promove OPEN a HALF_OPEN se o timeout já passou; pode disparar onStateChange
	state := stateOf(b.cb.State())

	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := Snapshot{
		Name:            b.settings.Name,
		Kind:            KindStateful,
		State:           state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		StateChangeTime: b.stateChangeTime,
		Thresholds:      thresholdsOf(b.settings),
		Metrics:         b.metrics.snapshot(),
	}
	if !b.lastFailureTime.IsZero() {
		last := b.lastFailureTime
		snapshot.LastFailureTime = &last
	}
	return snapshot
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
