// Package relay forwards validated requests to upstream accounts, switching
// accounts on retriable failures and capturing usage telemetry.
package relay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/config"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/pool"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/relayerr"
	"claude-relay-go/internal/scheduler"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// sessionWindowHeader is the upstream 5h-window advisory.
const sessionWindowHeader = "anthropic-ratelimit-unified-5h-status"

// rateLimitResetHeader carries the epoch-seconds reset time on 429s.
const rateLimitResetHeader = "anthropic-ratelimit-unified-reset"

// Engine drives the unary and streaming relay flows.
type Engine struct {
	cfg       *config.Config
	accounts  *account.Store
	scheduler *scheduler.Scheduler
	refresher *token.Refresher
	pool      *pool.Manager
	pricing   *pricing.Table
	usage     *usage.Recorder
}

// NewEngine assembles the relay engine.
func NewEngine(
	cfg *config.Config,
	accounts *account.Store,
	sched *scheduler.Scheduler,
	refresher *token.Refresher,
	pm *pool.Manager,
	table *pricing.Table,
	recorder *usage.Recorder,
) *Engine {
	return &Engine{
		cfg:       cfg,
		accounts:  accounts,
		scheduler: sched,
		refresher: refresher,
		pool:      pm,
		pricing:   table,
		usage:     recorder,
	}
}

// attemptResult is the outcome of one upstream attempt. Exactly one of
// done/retry is set; forwarded means bytes already reached the client so
// no retry is possible.
type attemptResult struct {
	done      bool
	forwarded bool
	retry     relayerr.Code

	status    int
	header    http.Header
	body      []byte
	usage     pricing.TokenCounts
	usageSeen bool
	model     string
}

// Handle relays one /messages request. The key has already been validated
// and admitted by the caller.
func (e *Engine) Handle(c *gin.Context, kd *apikey.KeyData, body []byte) {
	model := gjson.GetBytes(body, "model").String()
	isStream := gjson.GetBytes(body, "stream").Bool()

	if !kd.AllowsModel(model) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": fmt.Sprintf("model %s is not permitted for this key", model),
		})
		return
	}

	userAgent := c.GetHeader("User-Agent")
	realClaudeCode := IsRealClaudeCodeRequest(body, userAgent)
	sessionHash := sessionHashFor(body)

	var excludeIDs []string
	var last *attemptResult

	for attempt := 0; attempt <= e.cfg.MaxUpstreamRetries; attempt++ {
		if c.Request.Context().Err() != nil {
			return
		}

		req := scheduler.Request{
			BoundAccountID: kd.BoundAccountID(apikey.PermissionClaude),
			Model:          model,
			ExcludeIDs:     excludeIDs,
		}
		// Stickiness applies to the first attempt only; retries must
		// reach a different account.
		if attempt == 0 {
			req.SessionHash = sessionHash
		}

		acct, err := e.scheduler.SelectAccount(c.Request.Context(), req)
		if err != nil {
			e.writeSchedulingFailure(c, err, last)
			return
		}

		res := e.attempt(c, acct, body, isStream, realClaudeCode)
		if res == nil {
			// Client went away mid-attempt.
			return
		}
		if res.done || res.forwarded {
			e.finish(c, kd, acct, res, isStream, realClaudeCode)
			return
		}

		monitoring.UpstreamRetriesTotal.WithLabelValues(string(res.retry)).Inc()
		excludeIDs = append(excludeIDs, acct.ID)
		last = res
		log.WithFields(log.Fields{
			"account_id": acct.ID,
			"attempt":    attempt,
			"reason":     string(res.retry),
		}).Warn("upstream_attempt_failed")
	}

	// Retries exhausted: surface the last upstream response verbatim.
	if last != nil && last.status > 0 {
		writeUpstreamResponse(c, last)
		return
	}
	writeErrorJSON(c, http.StatusServiceUnavailable, "Service unavailable", "no upstream account could serve the request")
}

// attempt runs a single upstream exchange. A nil return means the client
// disconnected and nothing more should be written.
func (e *Engine) attempt(
	c *gin.Context,
	acct *account.Account,
	body []byte,
	isStream, realClaudeCode bool,
) *attemptResult {
	ctx := c.Request.Context()

	accessToken, err := e.refresher.EnsureFresh(ctx, acct.ID)
	if err != nil {
		log.WithError(err).WithField("account_id", acct.ID).Warn("token_unavailable")
		return &attemptResult{retry: relayerr.CodeUpstreamUnauthorized}
	}

	normalized, err := normalizeBody(body, e.pricing, e.cfg.ProxySystemPrompt, realClaudeCode)
	if err != nil {
		log.WithError(err).Warn("body_normalization_failed")
		normalized = body
	}

	conn, err := e.pool.GetConnection(acct.ID, acct.ProxyURL)
	if err != nil {
		return &attemptResult{retry: relayerr.CodePoolDegraded}
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ClaudeAPIURL, bytes.NewReader(normalized))
	if err != nil {
		return &attemptResult{retry: relayerr.CodeUpstreamNetwork}
	}
	upReq.Header = buildUpstreamHeaders(c.Request.Header, accessToken, e.cfg.ClaudeAPIVersion, e.cfg.ClaudeBetaHeader)
	e.setUserAgent(ctx, upReq.Header, acct, c.GetHeader("User-Agent"))
	if isStream {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := conn.HTTPClient().Do(upReq)
	if err != nil {
		if ctx.Err() != nil {
			// Client disconnect cancelled the outbound request.
			return nil
		}
		e.pool.ReportBroken(acct.ID, conn.ID, conn.Generation())
		monitoring.UpstreamRequestsTotal.WithLabelValues(acct.Type, "error").Inc()
		log.WithError(err).WithField("account_id", acct.ID).Warn("upstream_network_error")
		return &attemptResult{retry: relayerr.CodeUpstreamNetwork}
	}
	monitoring.UpstreamRequestDuration.WithLabelValues(acct.Type).Observe(time.Since(start).Seconds())
	monitoring.UpstreamRequestsTotal.WithLabelValues(acct.Type, statusClass(resp.StatusCode)).Inc()

	if isStream && resp.StatusCode == http.StatusOK {
		return e.streamAttempt(c, acct, resp)
	}
	defer resp.Body.Close()

	raw, err := decodeBody(resp)
	if err != nil {
		log.WithError(err).WithField("account_id", acct.ID).Warn("upstream_body_read_failed")
		return &attemptResult{retry: relayerr.CodeUpstreamNetwork}
	}
	return e.classify(ctx, acct, resp, raw)
}

// streamAttempt consumes a 200 SSE response. Early rate limits (before any
// byte is forwarded) convert into a retry.
func (e *Engine) streamAttempt(c *gin.Context, acct *account.Account, resp *http.Response) *attemptResult {
	defer resp.Body.Close()

	state := relayStream(c.Request.Context(), c.Writer, streamHeaders(c, resp))
	if state.rateLimited {
		e.markRateLimitedFrom(c.Request.Context(), acct, resp.Header)
		if !state.bytesForwarded {
			return &attemptResult{retry: relayerr.CodeUpstreamRateLimited}
		}
	}
	if !state.completed && !state.bytesForwarded {
		// Client disconnected before the stream produced anything.
		return nil
	}

	monitoring.StreamingResponsesTotal.Inc()
	counts := state.totals()
	return &attemptResult{
		done:      state.completed,
		forwarded: state.bytesForwarded,
		status:    resp.StatusCode,
		header:    resp.Header,
		usage:     counts,
		usageSeen: counts.Input > 0 || counts.Output > 0,
		model:     state.model,
	}
}

// streamHeaders commits the SSE response headers before the first frame.
func streamHeaders(c *gin.Context, resp *http.Response) io.Reader {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(resp.StatusCode)
	return resp.Body
}

// classify maps an upstream response onto the account state machine and
// decides between done and retry.
func (e *Engine) classify(ctx context.Context, acct *account.Account, resp *http.Response, raw []byte) *attemptResult {
	status := resp.StatusCode

	// Some rate limits hide behind other statuses; the body phrase is
	// authoritative.
	if status != http.StatusTooManyRequests && containsRateLimitPhrase(string(raw)) {
		status = http.StatusTooManyRequests
	}

	switch {
	case status >= 200 && status < 300:
		if err := e.scheduler.MarkSucceeded(ctx, acct.ID); err != nil {
			log.WithError(err).WithField("account_id", acct.ID).Warn("mark_succeeded_failed")
		}
		if windowStatus := headerLookup(resp.Header, sessionWindowHeader); windowStatus != "" {
			if err := e.accounts.SetSessionWindowStatus(ctx, acct.ID, windowStatus); err != nil {
				log.WithError(err).WithField("account_id", acct.ID).Warn("session_window_store_failed")
			}
		}
		res := &attemptResult{done: true, status: resp.StatusCode, header: resp.Header, body: raw}
		if u := gjson.GetBytes(raw, "usage"); u.Exists() {
			res.usage = pricing.TokenCounts{
				Input:       u.Get("input_tokens").Int(),
				Output:      u.Get("output_tokens").Int(),
				CacheCreate: u.Get("cache_creation_input_tokens").Int(),
				CacheRead:   u.Get("cache_read_input_tokens").Int(),
			}
			res.usageSeen = true
		}
		res.model = gjson.GetBytes(raw, "model").String()
		return res

	case status == http.StatusUnauthorized:
		if err := e.scheduler.MarkUnauthorized(ctx, acct.ID); err != nil {
			log.WithError(err).WithField("account_id", acct.ID).Warn("mark_unauthorized_failed")
		}
		return &attemptResult{retry: relayerr.CodeUpstreamUnauthorized, status: status, header: resp.Header, body: raw}

	case status == http.StatusForbidden:
		if err := e.scheduler.MarkBlocked(ctx, acct.ID); err != nil {
			log.WithError(err).WithField("account_id", acct.ID).Warn("mark_blocked_failed")
		}
		return &attemptResult{retry: relayerr.CodeUpstreamForbidden, status: status, header: resp.Header, body: raw}

	case status == http.StatusTooManyRequests:
		e.markRateLimitedFrom(ctx, acct, resp.Header)
		return &attemptResult{retry: relayerr.CodeUpstreamRateLimited, status: status, header: resp.Header, body: raw}

	case status >= 500:
		if err := e.scheduler.MarkTempError(ctx, acct.ID); err != nil {
			log.WithError(err).WithField("account_id", acct.ID).Warn("mark_temp_error_failed")
		}
		return &attemptResult{retry: relayerr.CodeUpstreamServerError, status: status, header: resp.Header, body: raw}
	}

	// Other 4xx are the client's problem; forward as-is.
	return &attemptResult{done: true, status: status, header: resp.Header, body: raw}
}

// markRateLimitedFrom reads the unified reset header (epoch seconds) and
// transitions the account.
func (e *Engine) markRateLimitedFrom(ctx context.Context, acct *account.Account, h http.Header) {
	var resetAt time.Time
	if raw := headerLookup(h, rateLimitResetHeader); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
			resetAt = time.Unix(epoch, 0)
		}
	}
	if err := e.scheduler.MarkRateLimited(ctx, acct.ID, resetAt); err != nil {
		log.WithError(err).WithField("account_id", acct.ID).Warn("mark_rate_limited_failed")
	}
}

// finish records usage and, for unary flows, writes the upstream response.
func (e *Engine) finish(c *gin.Context, kd *apikey.KeyData, acct *account.Account, res *attemptResult, isStream, realClaudeCode bool) {
	ctx := context.Background()

	// Header captures come only from verified Claude Code traffic that
	// the upstream actually accepted.
	if realClaudeCode && res.status >= 200 && res.status < 300 {
		if err := e.accounts.SaveCapturedHeaders(ctx, acct.ID, captureClaudeCodeHeaders(c.Request.Header)); err != nil {
			log.WithError(err).WithField("account_id", acct.ID).Warn("captured_headers_store_failed")
		}
	}

	model := res.model
	if model == "" {
		model = gjson.GetBytes(res.body, "model").String()
	}

	if res.usageSeen {
		e.usage.Record(ctx, usage.Event{
			KeyID:       kd.ID,
			AccountID:   acct.ID,
			AccountType: acct.Type,
			Model:       model,
			Counts:      res.usage,
			Stream:      isStream,
		})
	} else if res.status >= 200 && res.status < 300 {
		// No usage block in the response; estimate so quota accounting
		// never silently skips a request.
		estimate := pricing.TokenCounts{Output: estimateTokens(res.body)}
		log.WithFields(log.Fields{"key_id": kd.ID, "model": model}).Warn("usage_missing_estimated")
		e.usage.Record(ctx, usage.Event{
			KeyID:       kd.ID,
			AccountID:   acct.ID,
			AccountType: acct.Type,
			Model:       model,
			Counts:      estimate,
			Stream:      isStream,
			Estimated:   true,
		})
	}

	if !isStream && !res.forwarded {
		writeUpstreamResponse(c, res)
	}
}

// setUserAgent chooses the outbound user agent: the account's captured
// Claude Code identity when it opted into a unified agent, otherwise the
// caller's own.
func (e *Engine) setUserAgent(ctx context.Context, h http.Header, acct *account.Account, callerUA string) {
	if acct.UnifiedUserAgent {
		if captured, err := e.accounts.CapturedHeaders(ctx, acct.ID); err == nil && captured["user-agent"] != "" {
			h.Set("User-Agent", captured["user-agent"])
			return
		}
	}
	if callerUA != "" {
		h.Set("User-Agent", callerUA)
	}
}

func (e *Engine) writeSchedulingFailure(c *gin.Context, err error, last *attemptResult) {
	if last != nil && last.status > 0 {
		writeUpstreamResponse(c, last)
		return
	}
	writeErrorJSON(c, relayerr.HTTPStatusOf(err), "Service unavailable", err.Error())
}

func writeUpstreamResponse(c *gin.Context, res *attemptResult) {
	contentType := "application/json"
	if ct := headerLookup(res.header, "Content-Type"); ct != "" {
		contentType = ct
	}
	c.Data(res.status, contentType, res.body)
}

func writeErrorJSON(c *gin.Context, status int, errLabel, message string) {
	c.JSON(status, gin.H{"error": errLabel, "message": message})
}

// decodeBody reads the full response body, transparently inflating gzip
// and deflate encodings before classification.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}
	return io.ReadAll(reader)
}

// estimateTokens approximates output tokens from the body size when the
// upstream reports no usage. Four bytes per token is the usual rule of
// thumb for English text.
func estimateTokens(body []byte) int64 {
	n := int64(len(body) / 4)
	if n == 0 && len(body) > 0 {
		n = 1
	}
	return n
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
