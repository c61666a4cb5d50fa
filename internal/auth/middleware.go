package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"
)

// PrincipalKey é a chave do principal no gin.Context
const PrincipalKey = "principal"

var errMalformedHeader = errors.New("invalid authorization header format")

// Middleware autentica o Bearer token quando presente.
// Sem Authorization, ou com token inválido, a requisição segue como não autenticada.
func Middleware(parser *TokenParser, log domain.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token, err := parseBearerToken(header)
		if err == nil {
			var principal *domain.Principal
			principal, err = parser.Parse(token)
			if err == nil {
				c.Set(PrincipalKey, principal)
				c.Next()
				return
			}
		}

		log.WithContext(c.Request.Context()).Debug("Ignoring bearer token", map[string]interface{}{
			"reason": rejectReason(err),
			"error":  err.Error(),
			"token":  logger.MaskSecret(token),
			"path":   c.Request.URL.Path,
		})
		c.Next()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrNoSecret):
		return "not_configured"
	case errors.Is(err, errMalformedHeader):
		return "malformed_header"
	default:
		return "invalid"
	}
}

// RequireRole exige um principal autenticado com o papel informado
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			unauthorized(c, "authentication required")
			return
		}
		if !principal.HasRole(role) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "missing role " + role,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// PrincipalFromContext retorna o principal autenticado, se houver
func PrincipalFromContext(c *gin.Context) (*domain.Principal, bool) {
	value, exists := c.Get(PrincipalKey)
	if !exists {
		return nil, false
	}
	principal, ok := value.(*domain.Principal)
	return principal, ok && principal != nil
}

func parseBearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errMalformedHeader
	}
	return strings.TrimSpace(parts[1]), nil
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": message,
	})
	c.Abort()
}
