package middleware

import (
	"net/http"
	"strings"

	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/relayerr"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by Auth for downstream handlers.
const (
	ContextKeyData = "key_data"
	ContextKeyID   = "key_id"
)

// Auth validates the caller's x-api-key (Authorization: Bearer accepted as
// a fallback) and attaches the key record to the context. Header name
// matching is case-insensitive per HTTP canonicalization.
func Auth(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(c.GetHeader("x-api-key"))
		if secret == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				secret = strings.TrimSpace(auth[7:])
			}
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		kd, err := keys.ValidateKey(c.Request.Context(), secret)
		if err != nil {
			switch relayerr.CodeOf(err) {
			case relayerr.CodeInvalidFormat:
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "Invalid request",
					"message": "API key format is invalid",
				})
			case relayerr.CodeNotFound, relayerr.CodeDisabled, relayerr.CodeExpired:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			default:
				log.WithError(err).Error("key_validation_failed")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
			return
		}

		c.Set(ContextKeyData, kd)
		c.Set(ContextKeyID, kd.ID)
		c.Next()
	}
}

// KeyFromContext retrieves the validated key record placed by Auth.
func KeyFromContext(c *gin.Context) (*apikey.KeyData, bool) {
	v, ok := c.Get(ContextKeyData)
	if !ok {
		return nil, false
	}
	kd, ok := v.(*apikey.KeyData)
	return kd, ok
}
