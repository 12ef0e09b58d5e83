package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/store"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newAuthRouter(t *testing.T) (*gin.Engine, *apikey.Service) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	kv := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	keys := apikey.NewService(kv, pricing.NewTable(), "test-salt", "cr_")

	r := gin.New()
	r.Use(Auth(keys))
	r.POST("/v1/messages", func(c *gin.Context) {
		kd, ok := KeyFromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"key_id": kd.ID})
	})
	return r, keys
}

func authRequest(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMissingKey(t *testing.T) {
	t.Parallel()
	r, _ := newAuthRouter(t)

	w := authRequest(r, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Missing API key"}`, w.Body.String())
}

func TestAuthInvalidKey(t *testing.T) {
	t.Parallel()
	r, _ := newAuthRouter(t)

	w := authRequest(r, map[string]string{"x-api-key": "cr_0123456789abcdef0123456789abcdef"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Invalid API key"}`, w.Body.String())
}

func TestAuthMalformedKey(t *testing.T) {
	t.Parallel()
	r, _ := newAuthRouter(t)

	w := authRequest(r, map[string]string{"x-api-key": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Invalid request")
}

func TestAuthValidKeyPasses(t *testing.T) {
	t.Parallel()
	r, keys := newAuthRouter(t)

	kd := &apikey.KeyData{Name: "k", Active: true}
	secret, err := keys.CreateKey(context.Background(), kd)
	require.NoError(t, err)

	w := authRequest(r, map[string]string{"x-api-key": secret})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), kd.ID)

	// Upper-case header name and bearer fallback behave identically.
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-API-KEY", secret)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)

	w3 := authRequest(r, map[string]string{"Authorization": "Bearer " + secret})
	require.Equal(t, http.StatusOK, w3.Code)
}
