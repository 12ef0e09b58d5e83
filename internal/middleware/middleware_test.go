package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "rid-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "rid-123", w.Header().Get("X-Request-ID"))
}

func TestRequestIDRejectsMalformedInbound(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, bad := range []string{
		"has space",
		"semi;colon",
		strings.Repeat("a", 65),
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		got := w.Header().Get("X-Request-ID")
		require.NotEmpty(t, got)
		require.NotEqual(t, bad, got)
	}
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("nope") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "Internal server error")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(CORS())
	r.POST("/v1/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/messages", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "x-api-key")
}

func TestCORSSkipsAdminRoutes(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(CORS())
	r.GET("/admin/accounts", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestInboundLimiterThrottlesPerKey(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(InboundLimiter(1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("x-api-key", key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, hit("key-a"))
	require.Equal(t, http.StatusOK, hit("key-a"))
	require.Equal(t, http.StatusTooManyRequests, hit("key-a"))

	// A different caller has its own bucket.
	require.Equal(t, http.StatusOK, hit("key-b"))
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/ok", func(c *gin.Context) {
		c.Set("key_id", "k1")
		c.String(http.StatusOK, "OK")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
}
