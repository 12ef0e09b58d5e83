package server

import (
	"io"
	"net/http"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/relayerr"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

func registerRoutes(r *gin.Engine, cfg *config.Config, deps Dependencies) {
	r.GET("/health", handleHealth(deps))
	r.GET("/metrics", middleware.MetricsHandler)

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(deps.Keys))
	api.POST("/messages", handleMessages(deps))
	api.GET("/models", handleModels(deps))
	api.GET("/usage", handleUsage(deps))
	api.GET("/key-info", handleKeyInfo())

	if cfg.AdminToken != "" {
		admin := r.Group("/admin")
		admin.Use(adminAuth(cfg.AdminToken))
		registerAdminRoutes(admin, deps)
	}
}

func handleHealth(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.Store.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

func handleMessages(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		kd, ok := middleware.KeyFromContext(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, constants.MaxRequestBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "Invalid request",
				"message": "request body too large",
			})
			return
		}
		if !gjson.ValidBytes(body) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"message": "request body must be valid JSON",
			})
			return
		}
		msgs := gjson.GetBytes(body, "messages")
		if !msgs.IsArray() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"message": "messages must be an array",
			})
			return
		}
		if len(msgs.Array()) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"message": "messages must not be empty",
			})
			return
		}
		c.Set("model", gjson.GetBytes(body, "model").String())

		if !kd.PermitsProvider(apikey.PermissionClaude) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "this API key does not permit the claude provider",
			})
			return
		}
		if !kd.AllowsClient(c.GetHeader("User-Agent")) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "this API key does not permit this client",
			})
			return
		}

		release, err := deps.Keys.Admit(c.Request.Context(), kd)
		if err != nil {
			switch relayerr.CodeOf(err) {
			case relayerr.CodeConcurrencyLimit, relayerr.CodeRateLimitExceeded:
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":   "Rate limit exceeded",
					"message": err.Error(),
				})
			default:
				log.WithError(err).WithField("key_id", kd.ID).Error("admission_failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
			return
		}
		defer release()

		deps.Engine.Handle(c, kd, body)
	}
}

func handleModels(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		kd, _ := middleware.KeyFromContext(c)
		var models []gin.H
		for _, id := range deps.Pricing.Models() {
			if kd != nil && !kd.AllowsModel(id) {
				continue
			}
			models = append(models, gin.H{"id": id, "type": "model"})
		}
		c.JSON(http.StatusOK, gin.H{"data": models})
	}
}

func handleUsage(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		kd, ok := middleware.KeyFromContext(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		summary, err := deps.Keys.Usage(c.Request.Context(), kd.ID)
		if err != nil {
			log.WithError(err).WithField("key_id", kd.ID).Error("usage_summary_failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// handleKeyInfo returns a redacted view of the caller's key: no secret, no
// hash.
func handleKeyInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		kd, ok := middleware.KeyFromContext(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, redactKey(kd))
	}
}

func redactKey(kd *apikey.KeyData) gin.H {
	out := gin.H{
		"id":                kd.ID,
		"name":              kd.Name,
		"active":            kd.Active,
		"permissions":       kd.Permissions,
		"token_limit":       kd.TokenLimit,
		"concurrency_limit": kd.ConcurrencyLimit,
		"daily_cost_limit":  kd.DailyCostLimit,
		"daily_cost":        kd.DailyCost,
		"total_tokens":      kd.TotalTokens,
		"restricted_models": kd.RestrictedModels,
		"tags":              kd.Tags,
		"created_at":        kd.CreatedAt,
	}
	if !kd.ExpiresAt.IsZero() {
		out["expires_at"] = kd.ExpiresAt
	}
	if !kd.LastUsedAt.IsZero() {
		out["last_used_at"] = kd.LastUsedAt
	}
	if kd.WeeklyOpusCostLimit > 0 {
		out["weekly_opus_cost_limit"] = kd.WeeklyOpusCostLimit
		out["weekly_opus_cost"] = kd.WeeklyOpusCost
	}
	return out
}

func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("Authorization")
		if len(provided) > 7 && provided[:7] == "Bearer " {
			provided = provided[7:]
		}
		if provided != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			return
		}
		c.Next()
	}
}

type createKeyRequest struct {
	Name                string   `json:"name" binding:"required"`
	ExpiresAt           string   `json:"expires_at"`
	Permissions         string   `json:"permissions"`
	ClaudeAccountID     string   `json:"claude_account_id"`
	TokenLimit          int64    `json:"token_limit"`
	ConcurrencyLimit    int      `json:"concurrency_limit"`
	RateLimitMinutes    int      `json:"rate_limit_minutes"`
	RateLimitRequests   int64    `json:"rate_limit_requests"`
	RateLimitCost       float64  `json:"rate_limit_cost"`
	DailyCostLimit      float64  `json:"daily_cost_limit"`
	WeeklyOpusCostLimit float64  `json:"weekly_opus_cost_limit"`
	RestrictedModels    []string `json:"restricted_models"`
	Tags                []string `json:"tags"`
}

func registerAdminRoutes(g *gin.RouterGroup, deps Dependencies) {
	g.GET("/keys", func(c *gin.Context) {
		keys, err := deps.Keys.ListKeys(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		out := make([]gin.H, 0, len(keys))
		for _, kd := range keys {
			out = append(out, redactKey(kd))
		}
		c.JSON(http.StatusOK, gin.H{"keys": out})
	})

	g.POST("/keys", func(c *gin.Context) {
		var req createKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
			return
		}
		kd := &apikey.KeyData{
			Name:                req.Name,
			Active:              true,
			Permissions:         req.Permissions,
			ClaudeAccountID:     req.ClaudeAccountID,
			TokenLimit:          req.TokenLimit,
			ConcurrencyLimit:    req.ConcurrencyLimit,
			RateLimitWindow:     time.Duration(req.RateLimitMinutes) * time.Minute,
			RateLimitRequests:   req.RateLimitRequests,
			RateLimitCost:       req.RateLimitCost,
			DailyCostLimit:      req.DailyCostLimit,
			WeeklyOpusCostLimit: req.WeeklyOpusCostLimit,
			RestrictedModels:    req.RestrictedModels,
			Tags:                req.Tags,
		}
		if req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": "expires_at must be RFC3339"})
				return
			}
			kd.ExpiresAt = t
		}
		secret, err := deps.Keys.CreateKey(c.Request.Context(), kd)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		// The plaintext secret appears in this response and nowhere else.
		c.JSON(http.StatusCreated, gin.H{"id": kd.ID, "key": secret})
	})

	g.DELETE("/keys/:id", func(c *gin.Context) {
		if err := deps.Keys.DeleteKey(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
	})

	g.GET("/accounts", func(c *gin.Context) {
		accounts, err := deps.Accounts.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		out := make([]gin.H, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, redactAccount(a))
		}
		c.JSON(http.StatusOK, gin.H{"accounts": out})
	})

	g.POST("/accounts", func(c *gin.Context) {
		var req struct {
			Name             string `json:"name" binding:"required"`
			Type             string `json:"type"`
			AccessToken      string `json:"access_token"`
			RefreshToken     string `json:"refresh_token"`
			ExpiresAt        string `json:"expires_at"`
			ProxyURL         string `json:"proxy_url"`
			Schedulable      *bool  `json:"schedulable"`
			UnifiedUserAgent bool   `json:"unified_user_agent"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
			return
		}
		a := &account.Account{
			Name:             req.Name,
			Type:             req.Type,
			Active:           true,
			Schedulable:      true,
			AccessToken:      req.AccessToken,
			RefreshToken:     req.RefreshToken,
			ProxyURL:         req.ProxyURL,
			UnifiedUserAgent: req.UnifiedUserAgent,
		}
		if a.Type == "" {
			a.Type = account.TypeClaudeOfficial
		}
		if req.Schedulable != nil {
			a.Schedulable = *req.Schedulable
		}
		if req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": "expires_at must be RFC3339"})
				return
			}
			a.ExpiresAt = t
		}
		if err := deps.Accounts.Create(c.Request.Context(), a); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusCreated, redactAccount(a))
	})

	g.DELETE("/accounts/:id", func(c *gin.Context) {
		if err := deps.Accounts.Delete(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
	})
}

// redactAccount hides credentials from admin listings.
func redactAccount(a *account.Account) gin.H {
	out := gin.H{
		"id":          a.ID,
		"name":        a.Name,
		"type":        a.Type,
		"active":      a.Active,
		"schedulable": a.Schedulable,
		"status":      a.Status,
		"has_token":   a.AccessToken != "",
		"created_at":  a.CreatedAt,
	}
	if a.ProxyURL != "" {
		out["proxy_url"] = a.ProxyURL
	}
	if !a.LastUsedAt.IsZero() {
		out["last_used_at"] = a.LastUsedAt
	}
	if !a.RateLimitResetAt.IsZero() {
		out["rate_limit_reset_at"] = a.RateLimitResetAt
	}
	if a.SessionWindowStatus != "" {
		out["session_window_status"] = a.SessionWindowStatus
	}
	return out
}
