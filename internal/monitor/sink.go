// Package monitor registra as decisões de rate limiting fora do caminho da
// requisição: auditoria via logger e contadores por minuto no cache.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/domain"
)

// Event é uma decisão do rate limiter
type Event struct {
	Key        string
	Tier       domain.Tier
	Service    string
	Endpoint   string
	Method     string
	ClientIP   string
	RequestID  string
	Allowed    bool
	LimitType  domain.LimitType
	Limit      int
	Remaining  int
	RetryAfter int
	At         time.Time
}

func (e Event) outcome() string {
	if e.Allowed {
		return "allowed"
	}
	return "denied"
}

// Sink persiste eventos; erros são tratados como best-effort pelo chamador
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink grava violações como eventos de segurança e sucessos em debug
type LogSink struct {
	logger domain.Logger
}

func NewLogSink(logger domain.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	fields := map[string]interface{}{
		"key":        event.Key,
		"tier":       string(event.Tier),
		"endpoint":   event.Endpoint,
		"method":     event.Method,
		"client_ip":  event.ClientIP,
		"request_id": event.RequestID,
		"limit_type": string(event.LimitType),
		"limit":      event.Limit,
		"remaining":  event.Remaining,
	}
	if event.Service != "" {
		fields["service"] = event.Service
	}

	if event.Allowed {
		s.logger.Debug("Request allowed by rate limiter", fields)
		return nil
	}

	fields["event_type"] = "security"
	fields["retry_after"] = event.RetryAfter
	s.logger.Warn("Rate limit violation", fields)
	return nil
}

// CacheSink mantém contadores allowed/denied por minuto (com TTL) e totais no cache.
// Cada evento é um único lote transacional, enviado através de um breaker para retry/backoff.
type CacheSink struct {
	cache  domain.CacheBackend
	guard  breaker.Guard
	ttl    time.Duration
	prefix string
}

// NewCacheSink cria o sink; ttl vale para as séries por minuto e por tier
func NewCacheSink(cache domain.CacheBackend, guard breaker.Guard, ttl time.Duration) *CacheSink {
	return &CacheSink{
		cache:  cache,
		guard:  guard,
		ttl:    ttl,
		prefix: "stats",
	}
}

func (s *CacheSink) Record(ctx context.Context, event Event) error {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	outcome := event.outcome()

	ops := []domain.PipelineOp{{Kind: domain.PipelineIncr, Key: s.totalKey(outcome)}}
	expiring := []string{s.minuteKey(at, outcome)}
	if event.Tier != "" {
		expiring = append(expiring, fmt.Sprintf("%s:tier:%s:%s", s.prefix, event.Tier, outcome))
	}
	for _, key := range expiring {
		ops = append(ops,
			domain.PipelineOp{Kind: domain.PipelineIncr, Key: key},
			domain.PipelineOp{Kind: domain.PipelineExpire, Key: key, TTL: s.ttl},
		)
	}

	// Um lote só: o retry reenvia tudo ou nada foi gravado
	_, err := s.guard.Call(ctx, func(ctx context.Context) (interface{}, error) {
		return s.cache.Pipeline(ctx, ops)
	})
	return err
}

// Counts são os contadores agregados de um período
type Counts struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// MinuteCounts lê os contadores do minuto que contém at
func (s *CacheSink) MinuteCounts(ctx context.Context, at time.Time) (Counts, error) {
	return s.read(ctx, s.minuteKey(at, "allowed"), s.minuteKey(at, "denied"))
}

// TotalCounts lê os contadores acumulados
func (s *CacheSink) TotalCounts(ctx context.Context) (Counts, error) {
	return s.read(ctx, s.totalKey("allowed"), s.totalKey("denied"))
}

func (s *CacheSink) read(ctx context.Context, allowedKey, deniedKey string) (Counts, error) {
	results, err := s.cache.Pipeline(ctx, []domain.PipelineOp{
		{Kind: domain.PipelineGet, Key: allowedKey},
		{Kind: domain.PipelineGet, Key: deniedKey},
	})
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	if results[0].Found {
		counts.Allowed, _ = strconv.ParseInt(results[0].Value, 10, 64)
	}
	if results[1].Found {
		counts.Denied, _ = strconv.ParseInt(results[1].Value, 10, 64)
	}
	return counts, nil
}

func (s *CacheSink) minuteKey(at time.Time, outcome string) string {
	return fmt.Sprintf("%s:minute:%s:%s", s.prefix, at.UTC().Format("200601021504"), outcome)
}

func (s *CacheSink) totalKey(outcome string) string {
	return fmt.Sprintf("%s:total:%s", s.prefix, outcome)
}

// MultiSink repassa o evento para todos os sinks
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
