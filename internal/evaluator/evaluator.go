// Package evaluator implements the Runtime Evaluator (spec §4.4): given a
// transport Outcome for an account, decides the account's next status and
// writes the resulting audit entry and health snapshot.
package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// banSignalPattern matches response bodies that indicate a permanent,
// operator-actionable ban rather than a transient 403 — escalates the
// generic 403→cooldown rule to 403→blocked.
var banSignalPattern = regexp.MustCompile(`(?i)(organization has been disabled|account has been disabled|too many active sessions|only authorized for use with)`)

var quotaTextPattern = regexp.MustCompile(`(?i)(no remaining quota|no ai requests remaining)`)
var quotaHTTPPattern = regexp.MustCompile(`(?i)(quota|exhaust|remain)`)
var invalidGrantPattern = regexp.MustCompile(`(?i)invalid_grant`)

// Evaluator applies the Outcome→status mapping and persists it.
type Evaluator struct {
	store store.Store
	cfg   *config.Config
}

func New(s store.Store, cfg *config.Config) *Evaluator {
	return &Evaluator{store: s, cfg: cfg}
}

// Evaluate implements spec §4.4's ordered mapping and writes the resulting
// account patch, health snapshot, and audit entry.
func (e *Evaluator) Evaluate(ctx context.Context, accountID, actor string, out transport.Outcome) error {
	now := time.Now().UTC()
	acc, err := e.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account for evaluation: %w", err)
	}

	switch {
	case out.OK:
		return e.applyActive(ctx, actor, acc, now)
	case isQuotaSignal(out):
		return e.applyQuotaExhausted(ctx, actor, acc, now)
	case isTransportFailureSignal(out):
		return e.applyCooldown(ctx, actor, acc, now, out)
	case out.StatusCode == 403 && banSignalPattern.MatchString(out.Error):
		return e.applyBlocked(ctx, actor, acc, now, "ban signal detected: "+truncate(out.Error, 200))
	case out.StatusCode == 403:
		return e.applyBlocked(ctx, actor, acc, now, "forbidden (403)")
	case invalidGrantPattern.MatchString(out.Error):
		return e.applyBlocked(ctx, actor, acc, now, truncate(out.Error, 200))
	default:
		return e.applyErrorIncrement(ctx, actor, acc, now, out)
	}
}

// EvaluateRefreshError implements spec §4.4's narrower refresh-time mapping:
// invalid_grant → blocked, otherwise cooldown. Kept separate from Evaluate
// because refresh failures never carry a transport Outcome.
func (e *Evaluator) EvaluateRefreshError(ctx context.Context, accountID, actor, errMsg string) error {
	now := time.Now().UTC()
	acc, err := e.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account for refresh evaluation: %w", err)
	}
	if invalidGrantPattern.MatchString(errMsg) {
		return e.applyBlocked(ctx, actor, acc, now, truncate(errMsg, 200))
	}
	return e.applyCooldownMsg(ctx, actor, acc, now, errMsg)
}

func isQuotaSignal(out transport.Outcome) bool {
	if quotaTextPattern.MatchString(out.Text) || quotaTextPattern.MatchString(out.Error) {
		return true
	}
	return out.StatusCode == 429 && quotaHTTPPattern.MatchString(out.Error)
}

func isTransportFailureSignal(out transport.Outcome) bool {
	if out.StatusCode == 0 || out.StatusCode == 401 || out.StatusCode >= 500 {
		return true
	}
	if out.StatusCode == 429 && !quotaHTTPPattern.MatchString(out.Error) {
		return true
	}
	return false
}

func (e *Evaluator) applyActive(ctx context.Context, actor string, acc *store.Account, now time.Time) error {
	status := store.StatusActive
	zero := 0
	useCount := acc.UseCount + 1
	emptyStr := ""
	var zeroTime time.Time
	patch := store.AccountPatch{
		Status:           &status,
		ErrorCount:       &zero,
		LastErrorCode:    &emptyStr,
		LastErrorMessage: &emptyStr,
		LastSuccessAt:    &now,
		LastCheckAt:      &now,
		CooldownUntil:    &zeroTime,
		UseCount:         &useCount,
	}
	if _, err := e.store.Update(ctx, acc.ID, patch); err != nil {
		return err
	}
	if err := e.store.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID: acc.ID, Healthy: true, LastCheckedAt: now, LastSuccessAt: now,
	}); err != nil {
		return err
	}
	return e.store.AppendAudit(ctx, "request", actor, acc.ID, "ok", "")
}

func (e *Evaluator) applyQuotaExhausted(ctx context.Context, actor string, acc *store.Account, now time.Time) error {
	status := store.StatusQuotaExhausted
	until := now.Add(e.cfg.TokenErrorCooldown())
	// quota_remaining = max(0, limit-used); pin used to limit so remaining
	// reads as 0 (spec §4.4). An unknown (negative) limit is left untouched.
	usedAtLimit := acc.RequestsUsed
	if acc.RequestLimit >= 0 {
		usedAtLimit = acc.RequestLimit
	}
	patch := store.AccountPatch{
		Status:        &status,
		CooldownUntil: &until,
		LastCheckAt:   &now,
		RequestsUsed:  &usedAtLimit,
	}
	if err := e.recordFailureCommon(ctx, acc, now, "quota_exhausted", "quota exhausted"); err != nil {
		return err
	}
	if _, err := e.store.Update(ctx, acc.ID, patch); err != nil {
		return err
	}
	return e.store.AppendAudit(ctx, "request", actor, acc.ID, "failed", "quota exhausted")
}

func (e *Evaluator) applyCooldown(ctx context.Context, actor string, acc *store.Account, now time.Time, out transport.Outcome) error {
	detail := fmt.Sprintf("HTTP %d: %s", out.StatusCode, truncate(out.Error, 200))
	return e.applyCooldownMsg(ctx, actor, acc, now, detail)
}

func (e *Evaluator) applyCooldownMsg(ctx context.Context, actor string, acc *store.Account, now time.Time, errMsg string) error {
	status := store.StatusCooldown
	until := now.Add(e.cfg.TokenErrorCooldown())
	if err := e.recordFailureCommon(ctx, acc, now, "cooldown", errMsg); err != nil {
		return err
	}
	errorCount := acc.ErrorCount + 1
	code := "cooldown"
	msg := truncate(errMsg, 240)
	patch := store.AccountPatch{
		Status:           &status,
		CooldownUntil:    &until,
		LastCheckAt:      &now,
		ErrorCount:       &errorCount,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
	}
	if _, err := e.store.Update(ctx, acc.ID, patch); err != nil {
		return err
	}
	return e.store.AppendAudit(ctx, "request", actor, acc.ID, "failed", truncate(errMsg, 200))
}

func (e *Evaluator) applyBlocked(ctx context.Context, actor string, acc *store.Account, now time.Time, reason string) error {
	status := store.StatusBlocked
	var zeroTime time.Time
	errorCount := acc.ErrorCount + 1
	code := "blocked"
	msg := truncate(reason, 240)
	patch := store.AccountPatch{
		Status:           &status,
		CooldownUntil:    &zeroTime, // blocked is permanent until operator intervention
		LastCheckAt:      &now,
		ErrorCount:       &errorCount,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
	}
	if err := e.recordFailureCommon(ctx, acc, now, "blocked", reason); err != nil {
		return err
	}
	if _, err := e.store.Update(ctx, acc.ID, patch); err != nil {
		return err
	}
	return e.store.AppendAudit(ctx, "request", actor, acc.ID, "failed", truncate(reason, 200))
}

func (e *Evaluator) applyErrorIncrement(ctx context.Context, actor string, acc *store.Account, now time.Time, out transport.Outcome) error {
	status := store.StatusActive
	errorCount := acc.ErrorCount + 1
	code := fmt.Sprintf("http_%d", out.StatusCode)
	msg := truncate(out.Error, 240)
	patch := store.AccountPatch{
		Status:           &status,
		LastCheckAt:      &now,
		ErrorCount:       &errorCount,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
	}
	if err := e.recordFailureCommon(ctx, acc, now, "", out.Error); err != nil {
		return err
	}
	if _, err := e.store.Update(ctx, acc.ID, patch); err != nil {
		return err
	}
	return e.store.AppendAudit(ctx, "request", actor, acc.ID, "failed", truncate(out.Error, 200))
}

func (e *Evaluator) recordFailureCommon(ctx context.Context, acc *store.Account, now time.Time, _ string, errMsg string) error {
	existing, err := e.store.GetHealth(ctx, acc.ID)
	consecutive := 1
	if err == nil && existing != nil {
		consecutive = existing.ConsecutiveFailures + 1
	}
	return e.store.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID:           acc.ID,
		Healthy:             false,
		LastCheckedAt:       now,
		LastError:           truncate(errMsg, 240),
		ConsecutiveFailures: consecutive,
	})
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
