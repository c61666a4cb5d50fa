package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheUnavailable indica falha do backend de cache (recuperada localmente)
	ErrCacheUnavailable = errors.New("cache backend unavailable")

	// ErrInvalidConfig indica uma configuração de rate limit inválida
	ErrInvalidConfig = errors.New("invalid rate limit config")
)

// PipelineOpKind identifica uma operação em lote
type PipelineOpKind int

const (
	PipelineGet PipelineOpKind = iota
	PipelineSet
	PipelineIncr
	PipelineExpire
)

// PipelineOp é uma operação enviada em lote ao cache.
// Value só vale para PipelineSet; TTL vale para PipelineSet e PipelineExpire.
type PipelineOp struct {
	Kind  PipelineOpKind
	Key   string
	Value string
	TTL   time.Duration
}

// PipelineResult é o resultado de uma PipelineOp, na mesma ordem do lote.
// Para PipelineIncr, Value carrega o contador após o incremento.
type PipelineResult struct {
	Value string
	Found bool
}

// TokenBucketRequest descreve um débito no token bucket guardado no cache
type TokenBucketRequest struct {
	Capacity   float64
	RefillRate float64 // tokens por segundo
	Cost       float64
	Now        time.Time
	TTL        time.Duration
}

// TokenBucketResult é o saldo do bucket após a tentativa.
// Tokens é o saldo após o débito quando Allowed, senão o saldo disponível.
type TokenBucketResult struct {
	Allowed bool
	Tokens  float64
}

// ZMember é um membro de sorted set
type ZMember struct {
	Score  float64
	Member string
}

// CacheBackend define o contrato do cache chave/valor + sorted set consumido pelo limiter.
// Implementa o Strategy Pattern: Redis em produção, memória local para single-node e testes.
type CacheBackend interface {
	// Get retorna o valor e se a chave existe
	Get(ctx context.Context, key string) (string, bool, error)

	// Set grava um valor; ttl zero significa sem expiração
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr incrementa atomicamente um contador
	Incr(ctx context.Context, key string) (int64, error)

	// Pipeline executa o lote numa única transação
	Pipeline(ctx context.Context, ops []PipelineOp) ([]PipelineResult, error)

	// TakeTokens reabastece e debita o bucket atomicamente; negado não grava nada.
	// stampKey guarda o instante do último refill em nanossegundos Unix.
	TakeTokens(ctx context.Context, tokensKey, stampKey string, req TokenBucketRequest) (TokenBucketResult, error)

	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRem remove membros específicos de um sorted set
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZRemRangeByScore remove membros com score em [min, max]
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	ZCard(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Delete(ctx context.Context, keys ...string) (int64, error)

	// Keys lista chaves por padrão glob
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifica se o backend está saudável
	Ping(ctx context.Context) error

	// Close libera a conexão
	Close() error
}

// RateLimiter define o contrato comum aos limiters local e distribuído
type RateLimiter interface {
	// Check verifica (e, se permitido, consome) a cota de uma chave
	Check(ctx context.Context, key string, config *RateLimitConfig, opts CheckOptions) (*RateLimitResult, error)

	// Reset limpa o estado de uma chave
	Reset(ctx context.Context, key string) error
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]interface{}) Logger
}
