package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware)
	r.GET("/v1/balances", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	r := newRouter(HeadersMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/balances", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSWildcardAllowsAnyOrigin(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"*"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	r.ServeHTTP(w, req)

	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"),
		"wildcard origins must never allow credentials")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Admin-Secret")
}

func TestCORSListedOriginGetsCredentials(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"https://ops.example.com"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	r.ServeHTTP(w, req)

	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnlistedOriginGetsNothing(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"https://ops.example.com"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"*"}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/balances", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
