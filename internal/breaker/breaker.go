// Package breaker protege chamadas a dependências com retry/backoff e,
// na variante com estado, com a máquina CLOSED/OPEN/HALF_OPEN.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"resilience-gateway/internal/domain"
)

// Func é a chamada protegida
type Func func(ctx context.Context) (interface{}, error)

// Guard é o contrato comum a SimpleBreaker e StatefulBreaker
type Guard interface {
	Name() string
	Call(ctx context.Context, fn Func) (interface{}, error)
	State() Snapshot
}

// Execute é o atalho tipado para Guard.Call
func Execute[T any](ctx context.Context, g Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	value, err := g.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok && value != nil {
		return zero, fmt.Errorf("breaker %s: unexpected result type %T", g.Name(), value)
	}
	return typed, nil
}

// State é o estado da máquina do breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText serializa o estado pelo nome
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind identifica a variante do breaker
type Kind string

const (
	KindStateful Kind = "stateful"
	KindSimple   Kind = "simple"
)

// Thresholds expõe os limiares configurados
type Thresholds struct {
	FailureThreshold   int     `json:"failureThreshold"`
	SuccessThreshold   int     `json:"successThreshold"`
	TimeoutSeconds     float64 `json:"timeoutSeconds"`
	CallTimeoutSeconds float64 `json:"callTimeoutSeconds"`
	MaxRetries         int     `json:"maxRetries"`
}

// MetricsSnapshot são os contadores acumulados desde o start do processo
type MetricsSnapshot struct {
	Calls      int64 `json:"calls"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Rejections int64 `json:"rejections"`
	Timeouts   int64 `json:"timeouts"`
	Opens      int64 `json:"opens"`
	Closes     int64 `json:"closes"`
}

// Snapshot é a visão de leitura de um breaker
type Snapshot struct {
	Name            string          `json:"name"`
	Kind            Kind            `json:"kind"`
	State           State           `json:"state"`
	FailureCount    int             `json:"failureCount"`
	SuccessCount    int             `json:"successCount"`
	LastFailureTime *time.Time      `json:"lastFailureTime,omitempty"`
	StateChangeTime time.Time       `json:"stateChangeTime"`
	Thresholds      Thresholds      `json:"thresholds"`
	Metrics         MetricsSnapshot `json:"metrics"`
}

// metrics são contadores append-only
type metrics struct {
	calls      atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
	timeouts   atomic.Int64
	opens      atomic.Int64
	closes     atomic.Int64
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Calls:      m.calls.Load(),
		Successes:  m.successes.Load(),
		Failures:   m.failures.Load(),
		Rejections: m.rejections.Load(),
		Timeouts:   m.timeouts.Load(),
		Opens:      m.opens.Load(),
		Closes:     m.closes.Load(),
	}
}

func thresholdsOf(s Settings) Thresholds {
	return Thresholds{
		FailureThreshold:   s.FailureThreshold,
		SuccessThreshold:   s.SuccessThreshold,
		TimeoutSeconds:     s.Timeout.Seconds(),
		CallTimeoutSeconds: s.CallTimeout.Seconds(),
		MaxRetries:         s.MaxRetries,
	}
}

// outcome classifica o resultado de uma chamada para a contabilidade do breaker
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func classify(ctx context.Context, settings Settings, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsTimeout(err):
		return outcomeFailure
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// Cancelamento do chamador não é falha da dependência
		return outcomeIgnored
	case settings.IsTracked(err):
		return outcomeFailure
	default:
		return outcomeIgnored
	}
}

type options struct {
	logger   domain.Logger
	now      func() time.Time
	sleep    SleepFunc
	registry *Registry
}

// Option configura um breaker
type Option func(*options)

// WithLogger define o logger do breaker
func WithLogger(logger domain.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock injeta o relógio usado nas transições
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep substitui a espera de backoff
func WithSleep(sleep SleepFunc) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithRegistry registra o breaker na construção
func WithRegistry(registry *Registry) Option {
	return func(o *options) { o.registry = registry }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
