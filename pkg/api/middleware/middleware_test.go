package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "egcoord/pkg/api/middleware"
	"egcoord/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BurstThenBlock(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("client1"))
	assert.True(t, limiter.Allow("client1"))
	assert.False(t, limiter.Allow("client1"))
	assert.True(t, limiter.Allow("client2"))
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("client1"))
	assert.False(t, limiter.Allow("client1"))
	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("client1"))
}

func TestRateLimiter_Middleware429(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()
	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimitMiddleware(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	w = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware(), SecurityHeadersMiddleware(), RequestLogger(zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestIDKey)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	assert.Equal(t, "abc", serve(r, req).Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	svc, err := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(AuthConfig{JWTService: svc, SkipPaths: []string{"/health", "/public/*"}}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/public/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/runs", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/runs", RequireRole(auth.RoleOperator), func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		require.True(t, ok)
		c.String(http.StatusAccepted, claims.Subject)
	})

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/public/x", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/runs", nil)).Code)

	bearer := func(method string, role auth.Role) *http.Request {
		token, err := svc.GenerateToken("ops-1", role)
		require.NoError(t, err)
		req := httptest.NewRequest(method, "/runs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return req
	}
	assert.Equal(t, http.StatusOK, serve(r, bearer(http.MethodGet, auth.RoleObserver)).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, bearer(http.MethodPost, auth.RoleObserver)).Code)
	w := serve(r, bearer(http.MethodPost, auth.RoleOperator))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "ops-1", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestRequireRole_PassesWithoutAuth(t *testing.T) {
	r := gin.New()
	r.POST("/runs", RequireRole(auth.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	assert.Equal(t, http.StatusAccepted, serve(r, httptest.NewRequest(http.MethodPost, "/runs", nil)).Code)
}
