package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resilience-gateway/internal/domain"
	"resilience-gateway/internal/logger"
)

const testSecret = "test-secret"

func TestTokenParser_RoundTrip(t *testing.T) {
	parser := NewTokenParser(testSecret, "gateway")

	tests := []struct {
		name      string
		principal domain.Principal
	}{
		{
			name:      "user",
			principal: domain.Principal{Type: domain.PrincipalUser, ID: "u-1"},
		},
		{
			name:      "premium agent with service",
			principal: domain.Principal{Type: domain.PrincipalAgent, ID: "a-7", Service: "search", Premium: true},
		},
		{
			name:      "admin user",
			principal: domain.Principal{Type: domain.PrincipalUser, ID: "root", Roles: []string{"admin"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := parser.Sign(tt.principal, time.Minute)
			require.NoError(t, err)

			principal, err := parser.Parse(token)
			require.NoError(t, err)
			assert.Equal(t, tt.principal, *principal)
		})
	}
}

func TestTokenParser_Rejects(t *testing.T) {
	parser := NewTokenParser(testSecret, "gateway")

	expired, err := parser.Sign(domain.Principal{Type: domain.PrincipalUser, ID: "u"}, -time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewTokenParser(testSecret, "someone-else").Sign(domain.Principal{Type: domain.PrincipalUser, ID: "u"}, time.Minute)
	require.NoError(t, err)

	otherSecret, err := NewTokenParser("another-secret", "gateway").Sign(domain.Principal{Type: domain.PrincipalUser, ID: "u"}, time.Minute)
	require.NoError(t, err)

	noSubject, err := parser.Sign(domain.Principal{Type: domain.PrincipalUser}, time.Minute)
	require.NoError(t, err)

	badType, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		PrincipalType: "robot",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "r",
			Issuer:    "gateway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "gateway"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		is    error
	}{
		{name: "expired", token: expired, is: jwt.ErrTokenExpired},
		{name: "wrong issuer", token: otherIssuer, is: jwt.ErrTokenInvalidIssuer},
		{name: "wrong secret", token: otherSecret, is: jwt.ErrTokenSignatureInvalid},
		{name: "malformed", token: "not-a-token", is: jwt.ErrTokenMalformed},
		{name: "missing subject", token: noSubject, is: ErrInvalidPrincipal},
		{name: "unknown principal type", token: badType, is: ErrInvalidPrincipal},
		{name: "missing expiry", token: noExpiry, is: jwt.ErrTokenRequiredClaimMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			principal, err := parser.Parse(tt.token)
			assert.Nil(t, principal)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestTokenParser_NoSecret(t *testing.T) {
	parser := NewTokenParser("", "")

	_, err := parser.Sign(domain.Principal{ID: "u"}, time.Minute)
	assert.ErrorIs(t, err, ErrNoSecret)

	_, err = parser.Parse("a.b.c")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func newTestRouter(parser *TokenParser) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(parser, logger.NewNopLogger()))

	router.GET("/whoami", func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"id": ""})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": principal.ID})
	})
	router.GET("/admin", RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestMiddleware(t *testing.T) {
	parser := NewTokenParser(testSecret, "")
	router := newTestRouter(parser)

	userToken, err := parser.Sign(domain.Principal{Type: domain.PrincipalUser, ID: "u-1"}, time.Minute)
	require.NoError(t, err)
	adminToken, err := parser.Sign(domain.Principal{Type: domain.PrincipalUser, ID: "root", Roles: []string{"admin"}}, time.Minute)
	require.NoError(t, err)
	expiredToken, err := parser.Sign(domain.Principal{Type: domain.PrincipalUser, ID: "u-1"}, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name           string
		path           string
		authorization  string
		expectedStatus int
		expectedBody   string
	}{
		{name: "anonymous request passes", path: "/whoami", expectedStatus: http.StatusOK, expectedBody: `{"id":""}`},
		{name: "valid token sets principal", path: "/whoami", authorization: "Bearer " + userToken, expectedStatus: http.StatusOK, expectedBody: `{"id":"u-1"}`},
		{name: "scheme is case insensitive", path: "/whoami", authorization: "bearer " + userToken, expectedStatus: http.StatusOK, expectedBody: `{"id":"u-1"}`},
		{name: "malformed header is ignored", path: "/whoami", authorization: "Token abc", expectedStatus: http.StatusOK, expectedBody: `{"id":""}`},
		{name: "expired token is ignored", path: "/whoami", authorization: "Bearer " + expiredToken, expectedStatus: http.StatusOK, expectedBody: `{"id":""}`},
		{name: "admin with expired token", path: "/admin", authorization: "Bearer " + expiredToken, expectedStatus: http.StatusUnauthorized},
		{name: "admin without token", path: "/admin", expectedStatus: http.StatusUnauthorized},
		{name: "admin without role", path: "/admin", authorization: "Bearer " + userToken, expectedStatus: http.StatusForbidden},
		{name: "admin with role", path: "/admin", authorization: "Bearer " + adminToken, expectedStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Contains(t, w.Body.String(), tt.expectedBody)
			}
		})
	}
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{err: jwt.ErrTokenExpired, expected: "expired"},
		{err: ErrNoSecret, expected: "not_configured"},
		{err: errMalformedHeader, expected: "malformed_header"},
		{err: jwt.ErrTokenSignatureInvalid, expected: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, rejectReason(tt.err))
		})
	}
}
