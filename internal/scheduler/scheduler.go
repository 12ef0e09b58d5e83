// Package scheduler picks upstream accounts for requests and owns their
// status transitions.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/relayerr"
	"claude-relay-go/internal/store"

	log "github.com/sirupsen/logrus"
)

// Request carries the selection inputs for one relay attempt.
type Request struct {
	// BoundAccountID pins the request to one account. A pinned account
	// that is unavailable fails the request; there is no fallback.
	BoundAccountID string

	// SessionHash keys the sticky-session mapping. Empty disables
	// stickiness.
	SessionHash string

	// Model restricts candidates to accounts that may serve it.
	Model string

	// ExcludeIDs lists accounts already tried during this request's
	// retry loop.
	ExcludeIDs []string
}

// Scheduler selects accounts least-recently-used first and applies the
// error-driven status transitions.
type Scheduler struct {
	accounts *account.Store
	kv       *store.Store

	sessionTTL            time.Duration
	unauthorizedThreshold int64
	serverErrorThreshold  int64

	publisher events.Publisher
}

// Option adjusts scheduler thresholds.
type Option func(*Scheduler)

// WithSessionTTL overrides the sticky-session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.sessionTTL = ttl }
}

// WithUnauthorizedThreshold overrides the 401-streak threshold.
func WithUnauthorizedThreshold(n int64) Option {
	return func(s *Scheduler) { s.unauthorizedThreshold = n }
}

// WithServerErrorThreshold overrides the 5xx-streak threshold.
func WithServerErrorThreshold(n int64) Option {
	return func(s *Scheduler) { s.serverErrorThreshold = n }
}

// WithPublisher emits status transitions on the event bus.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// New creates a Scheduler with default thresholds.
func New(accounts *account.Store, kv *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		accounts:              accounts,
		kv:                    kv,
		sessionTTL:            constants.SessionMappingTTL,
		unauthorizedThreshold: constants.DefaultUnauthorizedThreshold,
		serverErrorThreshold:  constants.DefaultServerErrorThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func unauthorizedCounterKey(id string) string {
	return store.KeyAccountPrefix + id + ":401_errors"
}

func serverErrorCounterKey(id string) string {
	return store.KeyAccountPrefix + id + ":5xx_errors"
}

// SelectAccount resolves the account for one relay attempt: explicit
// binding first, then the sticky session, then least-recently-used among
// selectable candidates.
func (s *Scheduler) SelectAccount(ctx context.Context, req Request) (*account.Account, error) {
	now := time.Now()

	if req.BoundAccountID != "" {
		a, err := s.accounts.Get(ctx, req.BoundAccountID)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.CodeAllAccountsExhausted, http.StatusServiceUnavailable,
				"bound account unavailable", err)
		}
		if !a.Selectable(now) || excluded(req.ExcludeIDs, a.ID) {
			return nil, relayerr.New(relayerr.CodeAllAccountsExhausted, http.StatusServiceUnavailable,
				fmt.Sprintf("bound account %s is not selectable", a.ID))
		}
		return a, nil
	}

	if req.SessionHash != "" {
		if a := s.stickyAccount(ctx, req, now); a != nil {
			return a, nil
		}
	}

	candidates, err := s.candidates(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, relayerr.New(relayerr.CodeAllAccountsExhausted, http.StatusServiceUnavailable,
			"no upstream account is currently available")
	}

	// Least-recently-used first; id order makes ties deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	chosen := candidates[0]

	if req.SessionHash != "" {
		if err := s.kv.SetStickySession(ctx, req.SessionHash, chosen.ID, s.sessionTTL); err != nil {
			log.WithError(err).WithField("account_id", chosen.ID).Warn("sticky_session_store_failed")
		}
	}
	return chosen, nil
}

// stickyAccount returns the session's bound account when it is still
// usable, refreshing the mapping's TTL. A dead mapping is removed.
func (s *Scheduler) stickyAccount(ctx context.Context, req Request, now time.Time) *account.Account {
	accountID, err := s.kv.GetStickySession(ctx, req.SessionHash)
	if err != nil || accountID == "" {
		return nil
	}
	if excluded(req.ExcludeIDs, accountID) {
		return nil
	}
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil || !a.Selectable(now) || a.Platform() != providerForModel(req.Model) {
		if delErr := s.kv.DeleteStickySession(ctx, req.SessionHash); delErr != nil {
			log.WithError(delErr).Warn("sticky_session_delete_failed")
		}
		return nil
	}
	if err := s.kv.SetStickySession(ctx, req.SessionHash, accountID, s.sessionTTL); err != nil {
		log.WithError(err).Warn("sticky_session_refresh_failed")
	}
	return a
}

func (s *Scheduler) candidates(ctx context.Context, req Request, now time.Time) ([]*account.Account, error) {
	all, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	provider := providerForModel(req.Model)
	candidates := make([]*account.Account, 0, len(all))
	for _, a := range all {
		if !a.Selectable(now) || excluded(req.ExcludeIDs, a.ID) {
			continue
		}
		if a.Platform() != provider {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates, nil
}

// providerForModel maps a model id onto the account platform that must
// serve it. Unknown ids default to claude, this relay's primary surface.
func providerForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "gpt"):
		return "openai"
	}
	return "claude"
}

// MarkRateLimited records an upstream 429. A later reset time always wins;
// an earlier one never rolls the account's reset back.
func (s *Scheduler) MarkRateLimited(ctx context.Context, id string, resetAt time.Time) error {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Hour)
	}
	if a.Status == account.StatusRateLimited && a.RateLimitResetAt.After(resetAt) {
		return nil
	}
	err = s.accounts.SetFields(ctx, id, map[string]string{
		"status":           account.StatusRateLimited,
		"rateLimitResetAt": fmt.Sprintf("%d", resetAt.Unix()),
	})
	if err != nil {
		return err
	}
	s.dropSessionsFor(ctx, id)
	s.logTransition(id, account.StatusRateLimited, log.Fields{"reset_at": resetAt.UTC().Format(time.RFC3339)})
	return nil
}

// MarkUnauthorized counts an upstream 401. The account transitions only
// after a short streak, so a transient upstream hiccup cannot sideline it.
func (s *Scheduler) MarkUnauthorized(ctx context.Context, id string) error {
	count, err := s.kv.Incr(ctx, unauthorizedCounterKey(id))
	if err != nil {
		return err
	}
	if count == 1 {
		if err := s.kv.Expire(ctx, unauthorizedCounterKey(id), constants.ErrorCounterTTL); err != nil {
			log.WithError(err).WithField("account_id", id).Warn("error_counter_expire_failed")
		}
	}
	if count < s.unauthorizedThreshold {
		return nil
	}
	if err := s.accounts.SetFields(ctx, id, map[string]string{"status": account.StatusUnauthorized}); err != nil {
		return err
	}
	s.dropSessionsFor(ctx, id)
	s.logTransition(id, account.StatusUnauthorized, log.Fields{"streak": count})
	return nil
}

// MarkTempError counts an upstream 5xx, sidelining the account after a
// sustained streak.
func (s *Scheduler) MarkTempError(ctx context.Context, id string) error {
	count, err := s.kv.Incr(ctx, serverErrorCounterKey(id))
	if err != nil {
		return err
	}
	if count == 1 {
		if err := s.kv.Expire(ctx, serverErrorCounterKey(id), constants.ErrorCounterTTL); err != nil {
			log.WithError(err).WithField("account_id", id).Warn("error_counter_expire_failed")
		}
	}
	if count < s.serverErrorThreshold {
		return nil
	}
	if err := s.accounts.SetFields(ctx, id, map[string]string{"status": account.StatusTempError}); err != nil {
		return err
	}
	s.dropSessionsFor(ctx, id)
	s.logTransition(id, account.StatusTempError, log.Fields{"streak": count})
	return nil
}

// MarkBlocked sidelines an account immediately, for upstream 403s.
func (s *Scheduler) MarkBlocked(ctx context.Context, id string) error {
	if err := s.accounts.SetFields(ctx, id, map[string]string{"status": account.StatusBlocked}); err != nil {
		return err
	}
	s.dropSessionsFor(ctx, id)
	s.logTransition(id, account.StatusBlocked, nil)
	return nil
}

// MarkRefreshing flags an account while its token refresh is in flight.
func (s *Scheduler) MarkRefreshing(ctx context.Context, id string) error {
	return s.accounts.SetFields(ctx, id, map[string]string{"status": account.StatusRefreshing})
}

// MarkReady restores an account to the selectable pool.
func (s *Scheduler) MarkReady(ctx context.Context, id string) error {
	if err := s.accounts.SetFields(ctx, id, map[string]string{
		"status":           account.StatusReady,
		"rateLimitResetAt": "",
	}); err != nil {
		return err
	}
	s.logTransition(id, account.StatusReady, nil)
	return nil
}

// MarkSucceeded processes a 2xx: a rate-limited or temp-error account
// returns to ready and its error streaks reset.
func (s *Scheduler) MarkSucceeded(ctx context.Context, id string) error {
	if err := s.kv.Del(ctx, unauthorizedCounterKey(id), serverErrorCounterKey(id)); err != nil {
		log.WithError(err).WithField("account_id", id).Warn("error_counter_clear_failed")
	}
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == account.StatusRateLimited || a.Status == account.StatusTempError {
		return s.MarkReady(ctx, id)
	}
	return nil
}

// Sweep restores accounts whose sidelining has lapsed: rate limits past
// their reset and temp errors whose streak counter has expired.
func (s *Scheduler) Sweep(ctx context.Context) int {
	all, err := s.accounts.List(ctx)
	if err != nil {
		log.WithError(err).Warn("account_sweep_list_failed")
		return 0
	}
	now := time.Now()
	restored := 0
	for _, a := range all {
		switch a.Status {
		case account.StatusRateLimited:
			if !a.RateLimitResetAt.IsZero() && now.After(a.RateLimitResetAt) {
				if s.MarkReady(ctx, a.ID) == nil {
					restored++
				}
			}
		case account.StatusTempError:
			exists, err := s.kv.Exists(ctx, serverErrorCounterKey(a.ID))
			if err == nil && !exists {
				if s.MarkReady(ctx, a.ID) == nil {
					restored++
				}
			}
		}
	}
	return restored
}

// dropSessionsFor removes sticky mappings pointing at a sidelined account
// so later requests reroute instead of following it down.
func (s *Scheduler) dropSessionsFor(ctx context.Context, accountID string) {
	keys, err := s.kv.Keys(ctx, store.KeySessionPrefix+"*")
	if err != nil {
		log.WithError(err).Warn("sticky_session_scan_failed")
		return
	}
	for _, key := range keys {
		mapped, err := s.kv.Get(ctx, key)
		if err != nil || mapped != accountID {
			continue
		}
		if err := s.kv.Del(ctx, key); err != nil {
			log.WithError(err).WithField("account_id", accountID).Warn("sticky_session_delete_failed")
		}
	}
}

func (s *Scheduler) logTransition(id, status string, extra log.Fields) {
	monitoring.AccountTransitionsTotal.WithLabelValues(status).Inc()
	fields := log.Fields{"account_id": id, "status": status}
	for k, v := range extra {
		fields[k] = v
	}
	log.WithFields(fields).Info("account_status_changed")
	if s.publisher != nil {
		s.publisher.Publish(context.Background(), events.TopicAccountStatusChanged,
			events.AccountStatusPayload{AccountID: id, Status: status}, nil)
	}
}

func excluded(ids []string, id string) bool {
	for _, e := range ids {
		if e == id {
			return true
		}
	}
	return false
}
