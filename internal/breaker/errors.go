package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen casa (errors.Is) com qualquer *CircuitOpenError
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout casa (errors.Is) com qualquer *TimeoutError
	ErrTimeout = errors.New("protected call timed out")

	// ErrDuplicateName indica que já existe um breaker registrado com o nome
	ErrDuplicateName = errors.New("circuit breaker name already registered")
)

// CircuitOpenError sinaliza que a chamada não foi tentada.
// O chamador deve mapear para uma resposta 503 usando Name e FailureCount.
type CircuitOpenError struct {
	Name         string
	FailureCount int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (%d failures)", e.Name, e.FailureCount)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TimeoutError indica que a chamada protegida excedeu o timeout configurado
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call protected by %q timed out after %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsCircuitOpen informa se err significa "não tentado"
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsTimeout informa se err é um timeout da chamada protegida
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
