// Package account wraps the durable Credential Store with at-rest
// encryption of refresh tokens and the manual OAuth onboarding flow.
package account

import (
	"context"
	"fmt"

	"github.com/ozhandev/warp-gateway/internal/store"
)

// tokenSalt is the scrypt salt used to derive the refresh-token encryption
// key. A single fixed salt is fine here: there is only one credential kind,
// and the encryption key itself is the real secret.
const tokenSalt = "salt"

// Manager wraps a store.Store, transparently encrypting/decrypting
// refresh tokens at the boundary so the rest of the gateway only ever
// handles store.Account values with a plaintext RefreshToken in memory.
type Manager struct {
	store  store.Store
	crypto *Crypto
}

func NewManager(s store.Store, c *Crypto) *Manager {
	return &Manager{store: s, crypto: c}
}

// Create onboards an account from an already-known refresh token (the
// batch-import path). The token is encrypted before it ever reaches the
// store.
func (m *Manager) Create(ctx context.Context, refreshToken, email string) (*store.Account, error) {
	enc, err := m.crypto.Encrypt(refreshToken, tokenSalt)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	hash := m.crypto.HashRefreshToken(refreshToken)
	res, err := m.store.BatchImportAccounts(ctx, []store.ImportAccount{{
		RefreshToken:     enc,
		RefreshTokenHash: hash,
		Email:            email,
	}})
	if err != nil {
		return nil, err
	}
	if res.Duplicated > 0 {
		return nil, fmt.Errorf("account with this refresh token already exists")
	}
	acc, err := m.store.FindByRefreshToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// BatchImport encrypts and imports a batch of raw refresh tokens, matching
// spec §4.1's batch_import operation: a duplicate refresh token keeps its
// existing row (never overwritten) but is reactivated to status=active and
// has any empty metadata fields merge-filled from the incoming row.
func (m *Manager) BatchImport(ctx context.Context, refreshTokens []string) (store.ImportResult, error) {
	accounts := make([]store.ImportAccount, 0, len(refreshTokens))
	for _, tok := range refreshTokens {
		enc, err := m.crypto.Encrypt(tok, tokenSalt)
		if err != nil {
			return store.ImportResult{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		accounts = append(accounts, store.ImportAccount{
			RefreshToken:     enc,
			RefreshTokenHash: m.crypto.HashRefreshToken(tok),
		})
	}
	return m.store.BatchImportAccounts(ctx, accounts)
}

// FindByRefreshToken returns the account already holding this plaintext
// refresh token, or store.ErrNotFound if none does. Unlike MergeOrCreate,
// this never creates a row — it is a pure collision check.
func (m *Manager) FindByRefreshToken(ctx context.Context, refreshToken string) (*store.Account, error) {
	return m.store.FindByRefreshToken(ctx, m.crypto.HashRefreshToken(refreshToken))
}

// DecryptedRefreshToken returns the plaintext refresh token for an account.
func (m *Manager) DecryptedRefreshToken(ctx context.Context, accountID string) (string, error) {
	enc, err := m.store.GetRefreshToken(ctx, accountID)
	if err != nil {
		return "", err
	}
	if enc == "" {
		return "", nil
	}
	return m.crypto.Decrypt(enc, tokenSalt)
}

// SaveRefreshToken encrypts and persists a (possibly rotated) refresh token,
// e.g. after the upstream returns a new one during a refresh call.
func (m *Manager) SaveRefreshToken(ctx context.Context, accountID, refreshToken string) error {
	enc, err := m.crypto.Encrypt(refreshToken, tokenSalt)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	hash := m.crypto.HashRefreshToken(refreshToken)
	_, err = m.store.Update(ctx, accountID, store.AccountPatch{RefreshToken: &enc, RefreshTokenHash: &hash})
	return err
}

// MergeOrCreate implements the "account merge on refresh-token collision"
// rule from spec §4.2: if the incoming refresh token already belongs to an
// account, that account is reused (its id_token/api_key are refreshed in
// place) rather than creating a duplicate row.
func (m *Manager) MergeOrCreate(ctx context.Context, refreshToken, idToken, email string) (*store.Account, error) {
	enc, err := m.crypto.Encrypt(refreshToken, tokenSalt)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	hash := m.crypto.HashRefreshToken(refreshToken)

	if existing, err := m.store.FindByRefreshToken(ctx, hash); err == nil {
		patch := store.AccountPatch{IDToken: &idToken}
		if email != "" {
			patch.Email = &email
		}
		if _, err := m.store.Update(ctx, existing.ID, patch); err != nil {
			return nil, err
		}
		return m.store.Get(ctx, existing.ID)
	} else if err != store.ErrNotFound {
		return nil, err
	}

	res, err := m.store.BatchImportAccounts(ctx, []store.ImportAccount{{
		RefreshToken:     enc,
		RefreshTokenHash: hash,
		Email:            email,
		IDToken:          idToken,
	}})
	if err != nil {
		return nil, err
	}
	if res.Inserted == 0 {
		return nil, fmt.Errorf("account merge produced no row")
	}
	acc, err := m.store.FindByRefreshToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// MaskedPreview returns a masked preview (first 6 + last 4 chars) of a
// plaintext refresh token, for the admin status endpoint (SPEC_FULL §C.2) —
// callers must decrypt first; this never touches the encrypted form.
func MaskedPreview(plaintext string) string {
	if len(plaintext) <= 12 {
		return "******"
	}
	return plaintext[:6] + "..." + plaintext[len(plaintext)-4:]
}
