// Package refresh implements the Refresh Service (spec §4.2): turning a
// durable refresh token into a short-lived access token, probing quota, and
// classifying refresh failures into the pool's hard/soft error taxonomy.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ozhandev/warp-gateway/internal/account"
	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/store"
)

// TransportProvider returns a per-account HTTP client (proxy-bound, when the
// account has one), mirroring the teacher's HTTPTransportProvider seam in
// account/token.go.
type TransportProvider interface {
	ClientFor(accountID string) *http.Client
}

// Service is the Refresh Service. It owns no locks itself — the caller
// (dispatch/scheduler) is responsible for not calling RefreshAccount
// concurrently for the same id; in practice only the Health Monitor and an
// explicit admin refresh ever call it, both serialized per account by the
// concurrency substrate's per-account mutex.
type Service struct {
	store    store.Store
	accounts *account.Manager
	cfg      *config.Config
	meta     ClientMeta
	client   *http.Client
	apiKey   string
	transport TransportProvider
}

func New(s store.Store, accounts *account.Manager, cfg *config.Config, tp TransportProvider) *Service {
	return &Service{
		store:    s,
		accounts: accounts,
		cfg:      cfg,
		meta: ClientMeta{
			ClientVersion: cfg.WarpClientVersion,
			OSCategory:    cfg.WarpOSCategory,
			OSName:        cfg.WarpOSName,
			OSVersion:     cfg.WarpOSVersion,
		},
		client:    &http.Client{Timeout: 30 * time.Second},
		apiKey:    cfg.SecureTokenAPIKey,
		transport: tp,
	}
}

func (s *Service) clientFor(accountID string) *http.Client {
	if s.transport != nil {
		if c := s.transport.ClientFor(accountID); c != nil {
			return c
		}
	}
	return s.client
}

// AccessToken is a freshly exchanged bearer token, good until ExpiresIn.
type AccessToken struct {
	Token     string
	ExpiresIn int
}

// refreshWithRetry runs the securetoken exchange up to
// WARP_TOKEN_REFRESH_RETRY_COUNT times with linear backoff, matching
// original_source's _refresh_with_retry.
func (s *Service) refreshWithRetry(ctx context.Context, accountID, refreshToken string) (*exchangeResult, error) {
	var lastErr error
	attempts := s.cfg.TokenRefreshRetryCount
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		res, err := exchangeRefreshToken(ctx, s.clientFor(accountID), s.meta, s.apiKey, refreshToken)
		if err == nil && res.AccessToken != "" {
			return res, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("refresh returned empty access token")
		}
		if i < attempts-1 {
			delay := s.cfg.TokenRefreshRetryBaseDelay() * time.Duration(i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}

// refreshError is the parsed (code, message) pair from a failed refresh,
// grounded on original_source's parse_refresh_error.
type refreshError struct {
	code    string
	message string
}

func isHardInvalidRefreshError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "invalid_refresh_token") ||
		strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "refresh token is invalid")
}

func parseRefreshError(raw string) refreshError {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return refreshError{code: "refresh_failed", message: "refresh failed"}
	}
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "INVALID_REFRESH_TOKEN"):
		return refreshError{code: "invalid_refresh_token", message: "INVALID_REFRESH_TOKEN"}
	case strings.Contains(upper, "INVALID_GRANT"):
		return refreshError{code: "invalid_grant", message: "INVALID_GRANT"}
	}
	return refreshError{code: "refresh_failed", message: truncate(raw, 240)}
}

// RefreshAccount runs the full refresh cycle for one account: exchange the
// refresh token, probe quota on success, and apply the resulting status
// mutation. It implements the account-merge rule: if the rotated refresh
// token already belongs to a different account, that account absorbs the
// refreshed identity and this account's row is removed.
func (s *Service) RefreshAccount(ctx context.Context, accountID, actor string) error {
	refreshToken, err := s.accounts.DecryptedRefreshToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return fmt.Errorf("account %s has no refresh token", accountID)
	}

	now := time.Now().UTC()
	res, err := s.refreshWithRetry(ctx, accountID, refreshToken)
	if err != nil {
		return s.recordFailure(ctx, accountID, actor, err.Error())
	}

	var quota *Quota
	if q, qerr := FetchQuota(ctx, s.clientFor(accountID), s.meta, res.AccessToken); qerr == nil {
		quota = q
	} else {
		slog.Warn("quota probe failed after refresh", "accountId", accountID, "error", qerr)
	}

	status := store.StatusActive
	if quota != nil && !quota.IsUnlimited && quota.RequestLimit >= 0 && quota.RequestsUsed >= quota.RequestLimit {
		status = store.StatusQuotaExhausted
	}

	if res.RefreshToken != refreshToken {
		if merged, err := s.mergeRotatedToken(ctx, accountID, res, quota, status, now); err != nil {
			return err
		} else if merged {
			_ = s.store.AppendAudit(ctx, "refresh_token", actor, accountID, "ok", "refresh merged and removed source account")
			return nil
		}
	}

	zero := 0
	emptyStr := ""
	patch := store.AccountPatch{
		Status:           &status,
		ErrorCount:       &zero,
		LastErrorCode:    &emptyStr,
		LastErrorMessage: &emptyStr,
		LastSuccessAt:    &now,
		LastCheckAt:      &now,
	}
	applyQuota(&patch, quota, now)
	if res.RefreshToken != refreshToken {
		if err := s.accounts.SaveRefreshToken(ctx, accountID, res.RefreshToken); err != nil {
			return fmt.Errorf("save rotated refresh token: %w", err)
		}
	}
	if _, err := s.store.Update(ctx, accountID, patch); err != nil {
		return fmt.Errorf("update account after refresh: %w", err)
	}
	if err := s.store.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID: accountID, Healthy: true, LastCheckedAt: now, LastSuccessAt: now,
	}); err != nil {
		slog.Warn("health snapshot upsert failed", "accountId", accountID, "error", err)
	}
	return s.store.AppendAudit(ctx, "refresh_token", actor, accountID, "ok", "refresh success")
}

// mergeRotatedToken implements the account-merge-on-collision rule: a rotated
// refresh token is only a collision if it already belongs to a DIFFERENT
// account. The common case (no collision) must leave accountID's row intact
// for the caller to update with SaveRefreshToken — a lookup, not
// find-or-create, is what distinguishes the two.
func (s *Service) mergeRotatedToken(ctx context.Context, accountID string, res *exchangeResult, quota *Quota, status string, now time.Time) (bool, error) {
	existing, err := s.accounts.FindByRefreshToken(ctx, res.RefreshToken)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.ID == accountID {
		return false, nil
	}

	if err := s.accounts.SaveRefreshToken(ctx, existing.ID, res.RefreshToken); err != nil {
		return false, err
	}
	patch := store.AccountPatch{Status: &status, LastSuccessAt: &now, LastCheckAt: &now}
	applyQuota(&patch, quota, now)
	if _, err := s.store.Update(ctx, existing.ID, patch); err != nil {
		return false, err
	}
	if err := s.store.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID: existing.ID, Healthy: true, LastCheckedAt: now, LastSuccessAt: now,
	}); err != nil {
		slog.Warn("health snapshot upsert failed", "accountId", existing.ID, "error", err)
	}
	return true, s.store.Delete(ctx, accountID)
}

func applyQuota(patch *store.AccountPatch, quota *Quota, now time.Time) {
	if quota == nil {
		return
	}
	limit := quota.RequestLimit
	used := quota.RequestsUsed
	unlimited := quota.IsUnlimited
	patch.RequestLimit = &limit
	patch.RequestsUsed = &used
	patch.IsUnlimited = &unlimited
	patch.QuotaUpdatedAt = &now
}

func (s *Service) recordFailure(ctx context.Context, accountID, actor, errMsg string) error {
	parsed := parseRefreshError(errMsg)
	failStatus := store.StatusCooldown
	if isHardInvalidRefreshError(errMsg) {
		failStatus = store.StatusBlocked
	}

	now := time.Now().UTC()
	acc, err := s.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account for failure recording: %w", err)
	}
	errorCount := acc.ErrorCount + 1

	patch := store.AccountPatch{
		Status:           &failStatus,
		ErrorCount:       &errorCount,
		LastErrorCode:    &parsed.code,
		LastErrorMessage: &parsed.message,
		LastCheckAt:      &now,
	}
	if failStatus == store.StatusCooldown {
		until := now.Add(s.cfg.TokenErrorCooldown())
		patch.CooldownUntil = &until
	}
	if _, err := s.store.Update(ctx, accountID, patch); err != nil {
		return fmt.Errorf("update account after refresh failure: %w", err)
	}
	if err := s.store.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID: accountID, Healthy: false, LastCheckedAt: now,
		LastError: parsed.message, ConsecutiveFailures: 1,
	}); err != nil {
		slog.Warn("health snapshot upsert failed", "accountId", accountID, "error", err)
	}
	detail := fmt.Sprintf("refresh failed after %d retries, status=%s, err=%s",
		s.cfg.TokenRefreshRetryCount, failStatus, truncate(errMsg, 180))
	return s.store.AppendAudit(ctx, "refresh_token", actor, accountID, "failed", detail)
}

// AccessTokenFor is the dispatch hot path (spec §4.6 step 2a): exchange the
// account's refresh token for a bearer good for one attempt. Unlike
// RefreshAccount it skips the quota probe — the caller is about to spend a
// request either way, so the extra round trip only adds latency — but still
// honors token rotation and the merge-on-collision rule, and on failure
// records it exactly as RefreshAccount would.
func (s *Service) AccessTokenFor(ctx context.Context, accountID, actor string) (string, error) {
	refreshToken, err := s.accounts.DecryptedRefreshToken(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", fmt.Errorf("account %s has no refresh token", accountID)
	}

	res, err := s.refreshWithRetry(ctx, accountID, refreshToken)
	if err != nil {
		if ferr := s.recordFailure(ctx, accountID, actor, err.Error()); ferr != nil {
			slog.Warn("record refresh failure", "accountId", accountID, "error", ferr)
		}
		return "", err
	}

	if res.RefreshToken != refreshToken {
		now := time.Now().UTC()
		if merged, err := s.mergeRotatedToken(ctx, accountID, res, nil, store.StatusActive, now); err != nil {
			slog.Warn("rotated token merge failed", "accountId", accountID, "error", err)
		} else if !merged {
			if err := s.accounts.SaveRefreshToken(ctx, accountID, res.RefreshToken); err != nil {
				slog.Warn("save rotated refresh token", "accountId", accountID, "error", err)
			}
		}
	}

	return res.AccessToken, nil
}

// RefreshQuota re-probes quota for an account without resetting its error
// bookkeeping (spec §4.2's lighter quota-only refresh path, grounded on
// original_source's refresh_token_quota).
func (s *Service) RefreshQuota(ctx context.Context, accountID, actor string) (*Quota, error) {
	refreshToken, err := s.accounts.DecryptedRefreshToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token", accountID)
	}

	res, err := exchangeRefreshToken(ctx, s.clientFor(accountID), s.meta, s.apiKey, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh for quota: %w", err)
	}
	quota, err := FetchQuota(ctx, s.clientFor(accountID), s.meta, res.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch quota: %w", err)
	}

	status := store.StatusActive
	if !quota.IsUnlimited && quota.RequestLimit >= 0 && quota.RequestsUsed >= quota.RequestLimit {
		status = store.StatusQuotaExhausted
	}
	now := time.Now().UTC()
	patch := store.AccountPatch{Status: &status, LastCheckAt: &now}
	applyQuota(&patch, quota, now)
	if _, err := s.store.Update(ctx, accountID, patch); err != nil {
		return nil, fmt.Errorf("update account quota: %w", err)
	}
	detail := fmt.Sprintf("limit=%d used=%d", quota.RequestLimit, quota.RequestsUsed)
	_ = s.store.AppendAudit(ctx, "refresh_token_quota", actor, accountID, "ok", detail)
	return quota, nil
}

// RefreshAllResult summarizes a pool-wide refresh sweep.
type RefreshAllResult struct {
	Total   int
	Success int
	Failed  int
}

// RefreshAll runs RefreshAccount over every account in the pool
// sequentially — the Health Monitor's own goroutine bounds parallelism
// across its polling loop, not within one sweep (spec §4.9).
func (s *Service) RefreshAll(ctx context.Context, actor string) (RefreshAllResult, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return RefreshAllResult{}, err
	}
	result := RefreshAllResult{Total: len(accounts)}
	for _, acc := range accounts {
		if err := s.RefreshAccount(ctx, acc.ID, actor); err != nil {
			result.Failed++
			slog.Warn("refresh_all: account refresh failed", "accountId", acc.ID, "error", err)
			continue
		}
		result.Success++
	}
	return result, nil
}
