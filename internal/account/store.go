package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-relay-go/internal/crypto"
	"claude-relay-go/internal/store"

	"github.com/google/uuid"
)

// Store persists accounts in the KV store under claude_account:{id}.
// Tokens are sealed at rest when encryption is configured.
type Store struct {
	kv     *store.Store
	sealer *crypto.Sealer
}

// NewStore creates an account Store.
func NewStore(kv *store.Store, sealer *crypto.Sealer) *Store {
	if sealer == nil {
		sealer = crypto.NewSealer("", "")
	}
	return &Store{kv: kv, sealer: sealer}
}

func accountKey(id string) string { return store.KeyAccountPrefix + id }

// Create persists a new account, generating an id when absent.
func (s *Store) Create(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusReady
	}
	return s.write(ctx, a)
}

// Update rewrites the full account record.
func (s *Store) Update(ctx context.Context, a *Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	return s.write(ctx, a)
}

func (s *Store) write(ctx context.Context, a *Account) error {
	fields := a.fields()
	var err error
	if fields["accessToken"], err = s.sealer.Seal(a.AccessToken); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if fields["refreshToken"], err = s.sealer.Seal(a.RefreshToken); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return s.kv.HSet(ctx, accountKey(a.ID), fields)
}

// Get loads one account with decrypted tokens.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	data, err := s.kv.HGetAll(ctx, accountKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &store.ErrNotFound{Key: accountKey(id)}
	}
	a := parseAccount(id, data)
	if a.AccessToken, err = s.sealer.Open(data["accessToken"]); err != nil {
		return nil, fmt.Errorf("open access token for %s: %w", id, err)
	}
	if a.RefreshToken, err = s.sealer.Open(data["refreshToken"]); err != nil {
		return nil, fmt.Errorf("open refresh token for %s: %w", id, err)
	}
	return a, nil
}

// List returns every account.
func (s *Store) List(ctx context.Context) ([]*Account, error) {
	keys, err := s.kv.Keys(ctx, store.KeyAccountPrefix+"*")
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(keys))
	for _, key := range keys {
		id := key[len(store.KeyAccountPrefix):]
		// Skip sub-keys such as claude_account:{id}:401_errors.
		if containsColon(id) {
			continue
		}
		a, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Delete removes an account record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Del(ctx, accountKey(id))
}

// SetFields patches individual account fields without a full rewrite.
func (s *Store) SetFields(ctx context.Context, id string, fields map[string]string) error {
	return s.kv.HSet(ctx, accountKey(id), fields)
}

// StoreTokens persists a refreshed credential bundle.
func (s *Store) StoreTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	fields := map[string]string{
		"accessToken": sealedAccess,
		"expiresAt":   fmt.Sprintf("%d", expiresAt.UnixMilli()),
	}
	if refreshToken != "" {
		if fields["refreshToken"], err = s.sealer.Seal(refreshToken); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	return s.SetFields(ctx, id, fields)
}

// TouchLastUsed stamps the account's lastUsedAt.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	return s.SetFields(ctx, id, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// SaveCapturedHeaders persists Claude-Code-shaped inbound headers observed
// on a real Claude-Code request; the relay replays them on later requests.
func (s *Store) SaveCapturedHeaders(ctx context.Context, id string, headers map[string]string) error {
	payload, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	return s.SetFields(ctx, id, map[string]string{"capturedHeaders": string(payload)})
}

// CapturedHeaders returns the stored header capture, nil when absent.
func (s *Store) CapturedHeaders(ctx context.Context, id string) (map[string]string, error) {
	raw, err := s.kv.HGet(ctx, accountKey(id), "capturedHeaders")
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, nil
		}
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, nil
	}
	return headers, nil
}

// SetSessionWindowStatus records the upstream 5h-window advisory.
func (s *Store) SetSessionWindowStatus(ctx context.Context, id, status string) error {
	return s.SetFields(ctx, id, map[string]string{"sessionWindowStatus": status})
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
