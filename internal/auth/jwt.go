// Package auth extrai o principal (usuário ou agente) de tokens JWT HS256.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"resilience-gateway/internal/domain"
)

var (
	// ErrInvalidPrincipal indica claims sem sujeito ou com tipo desconhecido
	ErrInvalidPrincipal = errors.New("invalid principal claims")

	// ErrNoSecret indica que a autenticação não foi configurada
	ErrNoSecret = errors.New("jwt secret not configured")
)

// Claims são as claims aceitas pelo gateway
type Claims struct {
	PrincipalType domain.PrincipalType `json:"principal_type"`
	Service       string               `json:"service,omitempty"`
	Premium       bool                 `json:"premium,omitempty"`
	Roles         []string             `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenParser valida tokens e os converte em domain.Principal
type TokenParser struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewTokenParser cria o parser; issuer vazio desabilita a verificação do emissor
func NewTokenParser(secret, issuer string) *TokenParser {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &TokenParser{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}
}

// Parse valida a assinatura, expiração e emissor do token
func (p *TokenParser) Parse(tokenString string) (*domain.Principal, error) {
	if p == nil || len(p.secret) == 0 {
		return nil, ErrNoSecret
	}

	token, err := p.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidPrincipal
	}
	return claims.principal()
}

// Sign emite um token para o principal (usado por ferramentas e testes)
func (p *TokenParser) Sign(principal domain.Principal, ttl time.Duration) (string, error) {
	if len(p.secret) == 0 {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := Claims{
		PrincipalType: principal.Type,
		Service:       principal.Service,
		Premium:       principal.Premium,
		Roles:         principal.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (c *Claims) principal() (*domain.Principal, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidPrincipal)
	}

	kind := c.PrincipalType
	if kind == "" {
		kind = domain.PrincipalUser
	}
	if kind != domain.PrincipalUser && kind != domain.PrincipalAgent {
		return nil, fmt.Errorf("%w: unknown principal type %q", ErrInvalidPrincipal, kind)
	}

	return &domain.Principal{
		Type:    kind,
		ID:      c.Subject,
		Service: c.Service,
		Premium: c.Premium,
		Roles:   c.Roles,
	}, nil
}
