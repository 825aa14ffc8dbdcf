package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"egcoord/pkg/auth"
)

const (
	AuthHeaderKey       = "Authorization"
	ContextClaimsKey    = "claims"
	ContextRequestIDKey = "request_id"
)

type AuthConfig struct {
	JWTService *auth.JWTService
	// SkipPaths never require a token. A trailing * matches a prefix.
	SkipPaths []string
}

// AuthMiddleware requires a valid bearer token on every path not skipped.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if matchPath(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}

		claims, err := bearerClaims(c, config.JWTService)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"hint":  "provide a Bearer token",
			})
			return
		}
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, svc *auth.JWTService) (*auth.Claims, error) {
	header := c.GetHeader(AuthHeaderKey)
	if header == "" {
		return nil, auth.ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, auth.ErrInvalidToken
	}
	return svc.ValidateToken(strings.TrimSpace(token))
}

func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole rejects callers below required. Without claims in the
// context (auth disabled) the request passes.
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextClaimsKey); !exists {
			c.Next()
			return
		}
		claims, ok := ClaimsFromContext(c)
		if !ok || !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    auth.ErrInsufficientRole.Error(),
				"required": required,
			})
			return
		}
		c.Next()
	}
}

func matchPath(path, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}
