// Package token keeps upstream account credentials fresh, serializing
// refreshes across processes with a KV-backed lock.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/lock"
	"claude-relay-go/internal/logging"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/relayerr"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// Claude OAuth token endpoint and the Claude Code public client id.
	ClaudeTokenURL = "https://console.anthropic.com/v1/oauth/token"
	ClaudeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// statusMarker flags accounts around an in-flight refresh. The scheduler
// satisfies this.
type statusMarker interface {
	MarkRefreshing(ctx context.Context, id string) error
	MarkReady(ctx context.Context, id string) error
}

// Refresher refreshes account credentials on demand.
type Refresher struct {
	accounts *account.Store
	locks    *lock.Coordinator
	marker   statusMarker

	httpClient *http.Client
	grace      time.Duration
	lockTTL    time.Duration

	claudeTokenURL string
	claudeClientID string

	googleClientID     string
	googleClientSecret string

	publisher events.Publisher

	now func() time.Time
}

// Option customizes a Refresher.
type Option func(*Refresher)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Refresher) { r.httpClient = client }
}

// WithClaudeTokenURL overrides the Claude OAuth endpoint.
func WithClaudeTokenURL(u string) Option {
	return func(r *Refresher) { r.claudeTokenURL = u }
}

// WithGoogleCredentials sets the OAuth client for the gemini platform.
func WithGoogleCredentials(clientID, clientSecret string) Option {
	return func(r *Refresher) {
		r.googleClientID = clientID
		r.googleClientSecret = clientSecret
	}
}

// WithPublisher emits successful refreshes on the event bus.
func WithPublisher(p events.Publisher) Option {
	return func(r *Refresher) { r.publisher = p }
}

// WithGrace overrides how early before expiry a refresh triggers.
func WithGrace(d time.Duration) Option {
	return func(r *Refresher) { r.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// NewRefresher creates a Refresher.
func NewRefresher(accounts *account.Store, locks *lock.Coordinator, marker statusMarker, opts ...Option) *Refresher {
	r := &Refresher{
		accounts:       accounts,
		locks:          locks,
		marker:         marker,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		grace:          constants.TokenRefreshGrace,
		lockTTL:        constants.TokenRefreshLockTTL,
		claudeTokenURL: ClaudeTokenURL,
		claudeClientID: ClaudeClientID,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureFresh returns a usable access token for the account, refreshing it
// first when it is within the grace window of expiry.
func (r *Refresher) EnsureFresh(ctx context.Context, accountID string) (string, error) {
	a, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if r.fresh(a) {
		return a.AccessToken, nil
	}
	return r.refresh(ctx, a)
}

func (r *Refresher) fresh(a *account.Account) bool {
	return a.AccessToken != "" &&
		(a.ExpiresAt.IsZero() || r.now().Add(r.grace).Before(a.ExpiresAt))
}

func (r *Refresher) refresh(ctx context.Context, a *account.Account) (string, error) {
	platform := a.Platform()
	key := lock.RefreshLockKey(platform, a.ID)

	acquired, err := r.locks.Acquire(ctx, key, r.lockTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		// Another process is refreshing. Re-read in case it already
		// finished; otherwise the caller backs off.
		monitoring.TokenRefreshesTotal.WithLabelValues(platform, "skipped").Inc()
		log.WithFields(log.Fields{"account_id": a.ID, "platform": platform}).Info("token_refresh_skipped")
		reread, err := r.accounts.Get(ctx, a.ID)
		if err == nil && r.fresh(reread) {
			return reread.AccessToken, nil
		}
		return "", relayerr.New(relayerr.CodeLockContended, http.StatusServiceUnavailable,
			"token refresh in progress on another node")
	}
	defer func() {
		if err := r.locks.Release(context.Background(), key); err != nil {
			log.WithError(err).WithField("lock", key).Warn("token_refresh_unlock_failed")
		}
	}()

	// The lock may have been contended before we won it; a finished
	// refresh by the previous holder makes ours unnecessary.
	a, err = r.accounts.Get(ctx, a.ID)
	if err != nil {
		return "", err
	}
	if r.fresh(a) {
		return a.AccessToken, nil
	}

	log.WithFields(log.Fields{
		"account_id": a.ID,
		"platform":   platform,
		"token":      logging.MaskToken(a.AccessToken),
	}).Info("token_refresh_start")

	if r.marker != nil {
		if err := r.marker.MarkRefreshing(ctx, a.ID); err != nil {
			log.WithError(err).WithField("account_id", a.ID).Warn("mark_refreshing_failed")
		}
	}

	access, refreshTok, expiresAt, err := r.refreshPlatform(ctx, platform, a)
	if err != nil {
		monitoring.TokenRefreshesTotal.WithLabelValues(platform, "error").Inc()
		log.WithError(err).WithFields(log.Fields{"account_id": a.ID, "platform": platform}).Error("token_refresh_failed")
		if r.marker != nil {
			if mErr := r.marker.MarkReady(ctx, a.ID); mErr != nil {
				log.WithError(mErr).WithField("account_id", a.ID).Warn("mark_ready_failed")
			}
		}
		return "", relayerr.Wrap(relayerr.CodeUpstreamUnauthorized, http.StatusBadGateway,
			"token refresh failed", err)
	}

	if err := r.accounts.StoreTokens(ctx, a.ID, access, refreshTok, expiresAt); err != nil {
		return "", fmt.Errorf("store refreshed tokens: %w", err)
	}
	if r.marker != nil {
		if err := r.marker.MarkReady(ctx, a.ID); err != nil {
			log.WithError(err).WithField("account_id", a.ID).Warn("mark_ready_failed")
		}
	}

	monitoring.TokenRefreshesTotal.WithLabelValues(platform, "success").Inc()
	log.WithFields(log.Fields{
		"account_id": a.ID,
		"platform":   platform,
		"token":      logging.MaskToken(access),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}).Info("token_refresh_success")
	if r.publisher != nil {
		r.publisher.Publish(ctx, events.TopicTokenRefreshed,
			events.TokenRefreshPayload{AccountID: a.ID, Platform: platform}, nil)
	}
	return access, nil
}

func (r *Refresher) refreshPlatform(ctx context.Context, platform string, a *account.Account) (access, refresh string, expiresAt time.Time, err error) {
	switch platform {
	case "claude":
		return r.refreshClaude(ctx, a)
	case "gemini":
		return r.refreshGoogle(ctx, a)
	}
	return "", "", time.Time{}, fmt.Errorf("platform %q has no refresh flow", platform)
}

type claudeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refreshClaude exchanges the refresh token at the Claude OAuth endpoint.
// The endpoint takes a JSON body, unlike standard form-encoded OAuth.
func (r *Refresher) refreshClaude(ctx context.Context, a *account.Account) (string, string, time.Time, error) {
	if a.RefreshToken == "" {
		return "", "", time.Time{}, fmt.Errorf("account %s has no refresh token", a.ID)
	}
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": a.RefreshToken,
		"client_id":     r.claudeClientID,
	})
	if err != nil {
		return "", "", time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.claudeTokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", time.Time{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	var tr claudeTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", "", time.Time{}, fmt.Errorf("token response missing access_token")
	}
	expiresAt := time.Time{}
	if tr.ExpiresIn > 0 {
		expiresAt = r.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tr.AccessToken, tr.RefreshToken, expiresAt, nil
}

// refreshGoogle uses the standard OAuth refresh grant for Gemini accounts.
func (r *Refresher) refreshGoogle(ctx context.Context, a *account.Account) (string, string, time.Time, error) {
	if a.RefreshToken == "" {
		return "", "", time.Time{}, fmt.Errorf("account %s has no refresh token", a.ID)
	}
	conf := &oauth2.Config{
		ClientID:     r.googleClientID,
		ClientSecret: r.googleClientSecret,
		Endpoint:     google.Endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("oauth refresh: %w", err)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = a.RefreshToken
	}
	return tok.AccessToken, refresh, tok.Expiry, nil
}
