// Package usage fans completed-request telemetry out to the accounting
// counters.
package usage

import (
	"context"

	"claude-relay-go/internal/account"
	"claude-relay-go/internal/apikey"
	"claude-relay-go/internal/pricing"

	log "github.com/sirupsen/logrus"
)

// Event is one completed request's token telemetry.
type Event struct {
	KeyID       string
	AccountID   string
	AccountType string
	Model       string
	Counts      pricing.TokenCounts
	Stream      bool
	Estimated   bool
}

// Recorder writes usage events to the per-key and per-account counters.
type Recorder struct {
	keys     *apikey.Service
	accounts *account.Store
}

// NewRecorder creates a Recorder.
func NewRecorder(keys *apikey.Service, accounts *account.Store) *Recorder {
	return &Recorder{keys: keys, accounts: accounts}
}

// Record persists the event and returns the computed cost. Recording never
// fails the request; counter errors are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, ev Event) float64 {
	cost := r.keys.RecordUsage(ctx, apikey.UsageEvent{
		KeyID:       ev.KeyID,
		AccountID:   ev.AccountID,
		AccountType: ev.AccountType,
		Model:       ev.Model,
		Counts:      ev.Counts,
	})

	if ev.AccountID != "" {
		if err := r.accounts.TouchLastUsed(ctx, ev.AccountID); err != nil {
			log.WithError(err).WithField("account_id", ev.AccountID).Warn("account_last_used_update_failed")
		}
	}

	log.WithFields(log.Fields{
		"key_id":        ev.KeyID,
		"account_id":    ev.AccountID,
		"model":         ev.Model,
		"input_tokens":  ev.Counts.Input,
		"output_tokens": ev.Counts.Output,
		"cache_create":  ev.Counts.CacheCreate,
		"cache_read":    ev.Counts.CacheRead,
		"cost_usd":      cost,
		"stream":        ev.Stream,
		"estimated":     ev.Estimated,
	}).Info("usage_recorded")
	return cost
}
