package middleware

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"resilience-gateway/internal/config"
)

// idPlaceholder substitui segmentos de identificador no path normalizado
const idPlaceholder = "{id}"

// NormalizePath troca segmentos UUID ou numéricos por {id}
// para que /users/42 e /users/43 compartilhem o mesmo override.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if isIdentifier(segment) {
			segments[i] = idPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

func isIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	if _, err := strconv.ParseUint(segment, 10, 64); err == nil {
		return true
	}
	_, err := uuid.Parse(segment)
	return err == nil && len(segment) == 36
}

// RequestCost é o custo do método multiplicado pelo custo do endpoint.
// Métodos desconhecidos custam 1; o custo do endpoint vem do prefixo mais longo.
func RequestCost(policy *config.Policy, method, endpoint string) int {
	cost, ok := policy.MethodCosts[strings.ToUpper(method)]
	if !ok || cost < 1 {
		cost = 1
	}

	multiplier, longest := 1, -1
	for prefix, m := range policy.EndpointCosts {
		if hasPathPrefix(endpoint, prefix) && len(prefix) > longest {
			multiplier, longest = m, len(prefix)
		}
	}
	return cost * multiplier
}

// shouldSkip informa se o path está na lista de exceções
func shouldSkip(policy *config.Policy, path string) bool {
	for _, skip := range policy.SkipPaths {
		if hasPathPrefix(path, skip) {
			return true
		}
	}
	return false
}

// hasPathPrefix casa prefixos apenas em fronteira de segmento
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
