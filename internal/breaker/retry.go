package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Settings define os parâmetros de um breaker e da sua política de retry
type Settings struct {
	Name string

	// FailureThreshold falhas seguidas em CLOSED abrem o circuito
	FailureThreshold int
	// SuccessThreshold sucessos em HALF_OPEN fecham o circuito
	SuccessThreshold int
	// Timeout é o tempo desde a última falha até OPEN virar HALF_OPEN
	Timeout time.Duration

	// CallTimeout limita cada tentativa; zero desabilita
	CallTimeout time.Duration

	// Backoff: BaseDelay * BackoffMultiplier^tentativa, limitado por MaxDelay (zero = sem teto)
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// IsRetryable classifica erros que merecem nova tentativa (padrão: todos)
	IsRetryable func(error) bool
	// IsTracked classifica erros que contam como falha do breaker (padrão: todos)
	IsTracked func(error) bool
}

// DefaultSettings retorna configurações padrão para um breaker
func DefaultSettings(name string) Settings {
	return Settings{
		Name:              name,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           60 * time.Second,
		CallTimeout:       30 * time.Second,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Validate verifica se as configurações são válidas
func (s Settings) Validate() error {
	if s.Name == "" {
		return errors.New("breaker name cannot be empty")
	}
	if s.FailureThreshold < 1 {
		return fmt.Errorf("breaker %s: failure threshold must be at least 1", s.Name)
	}
	if s.SuccessThreshold < 1 {
		return fmt.Errorf("breaker %s: success threshold must be at least 1", s.Name)
	}
	if s.Timeout < 0 || s.CallTimeout < 0 || s.BaseDelay < 0 || s.MaxDelay < 0 {
		return fmt.Errorf("breaker %s: durations cannot be negative", s.Name)
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.MaxRetries < 1 {
		s.MaxRetries = 1
	}
	if s.BackoffMultiplier <= 0 {
		s.BackoffMultiplier = 2
	}
	if s.IsRetryable == nil {
		s.IsRetryable = func(error) bool { return true }
	}
	if s.IsTracked == nil {
		s.IsTracked = func(error) bool { return true }
	}
	return s
}

// Delay calcula a espera antes da tentativa seguinte (attempt começa em 0)
func (s Settings) Delay(attempt int) time.Duration {
	multiplier := s.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(s.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// SleepFunc espera d ou até o contexto ser cancelado
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext cede o scheduler durante o backoff, respeitando cancelamento
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retrier executa uma Func com timeout por tentativa e backoff exponencial
type retrier struct {
	settings Settings
	sleep    SleepFunc
}

type callResult struct {
	value interface{}
	err   error
}

type singleAttemptKey struct{}

// SingleAttempt marca o contexto para que a chamada protegida rode uma única vez,
// sem retry, mesmo em timeout
func SingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

func isSingleAttempt(ctx context.Context) bool {
	single, _ := ctx.Value(singleAttemptKey{}).(bool)
	return single
}

// run executa até MaxRetries tentativas; esgotar as tentativas devolve o último erro
func (r *retrier) run(ctx context.Context, fn Func) (interface{}, error) {
	var lastErr error

	attempts := r.settings.MaxRetries
	if isSingleAttempt(ctx) {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.settings.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		value, err := r.invoke(ctx, fn)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if ctx.Err() != nil || !r.settings.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// invoke roda uma tentativa, impondo CallTimeout mesmo que fn ignore o contexto
func (r *retrier) invoke(ctx context.Context, fn Func) (interface{}, error) {
	if r.settings.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		value, err := fn(callCtx)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && r.timedOut(ctx, callCtx) {
			return nil, r.timeoutError()
		}
		return res.value, res.err
	case <-callCtx.Done():
		if r.timedOut(ctx, callCtx) {
			return nil, r.timeoutError()
		}
		return nil, ctx.Err()
	}
}

// timedOut distingue o nosso timeout do cancelamento feito pelo chamador
func (r *retrier) timedOut(parent, callCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

func (r *retrier) timeoutError() error {
	return &TimeoutError{Name: r.settings.Name, Timeout: r.settings.CallTimeout}
}
