// Package dispatch implements Request Dispatch (spec §4.6): the outer
// candidate-rotation loop that turns one canonical request into an upstream
// Outcome, retrying transient failures on the same account and rotating to
// the next candidate on anything durable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/evaluator"
	"github.com/ozhandev/warp-gateway/internal/refresh"
	"github.com/ozhandev/warp-gateway/internal/scheduler"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// ErrEmptyPool and ErrNoActiveAccount distinguish spec §4.6 step 1's two 503
// reasons.
var (
	ErrEmptyPool       = errors.New("pool has no accounts configured")
	ErrNoActiveAccount = errors.New("no active account available")
)

// retryablePattern matches the inner-retry-loop message markers (spec §4.6
// step 2b) that are not already covered by a numeric status code check.
var retryablePattern = regexp.MustCompile(`(?i)(failed to fetch|timeout|timed out|temporarily unavailable|connection refused|connection reset|something went wrong with this conversation)`)

// modelNotAllowedPattern and invalidAPIKeyPattern are rotation-set markers
// (spec §4.6 step 3) that carry no dedicated status code.
var (
	modelNotAllowedPattern = regexp.MustCompile(`(?i)model not allowed for your account`)
	invalidAPIKeyPattern   = regexp.MustCompile(`(?i)invalid api key`)
)

// Attempt is one entry of the diagnostic trace returned to the caller on
// exhaustion (spec §7: "attempts[] trace").
type Attempt struct {
	AccountID string
	Try       int
	Status    string // "ok" | "failed"
	ErrorCode string
	Error     string
}

// Result is Dispatch's return shape.
type Result struct {
	Outcome   transport.Outcome
	AccountID string
	Attempts  []Attempt
}

// CandidateSource narrows *scheduler.Scheduler to what dispatch needs.
type CandidateSource interface {
	Candidates(ctx context.Context, maxAttempts int) ([]*store.Account, error)
	MarkDispatched(ctx context.Context, accountID string) error
}

// AccessTokenProvider narrows *refresh.Service to what dispatch needs.
type AccessTokenProvider interface {
	AccessTokenFor(ctx context.Context, accountID, actor string) (string, error)
}

// Sender narrows *transport.Manager to what dispatch needs.
type Sender interface {
	Send(ctx context.Context, body []byte, accessToken string, timeout time.Duration, meta transport.ClientMeta) transport.Outcome
}

// OutcomeEvaluator narrows *evaluator.Evaluator to what dispatch needs.
type OutcomeEvaluator interface {
	Evaluate(ctx context.Context, accountID, actor string, out transport.Outcome) error
}

// Dispatcher wires the Scheduler, Refresh Service, Upstream Transport, and
// Runtime Evaluator into the outer loop.
type Dispatcher struct {
	scheduler CandidateSource
	refresh   AccessTokenProvider
	transport Sender
	eval      OutcomeEvaluator
	store     store.Store
	cfg       *config.Config
	locks     *keyedMutex
}

func New(sched *scheduler.Scheduler, refreshSvc *refresh.Service, transportMgr *transport.Manager, eval *evaluator.Evaluator, s store.Store, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		scheduler: sched,
		refresh:   refreshSvc,
		transport: transportMgr,
		eval:      eval,
		store:     s,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
}

// Dispatch runs spec §4.6's outer loop against one encoded request body.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, meta transport.ClientMeta, maxAttempts int, actor string) (Result, error) {
	candidates, err := d.scheduler.Candidates(ctx, maxAttempts)
	if err != nil {
		return Result{}, fmt.Errorf("select candidates: %w", err)
	}
	if len(candidates) == 0 {
		all, err := d.store.List(ctx)
		if err == nil && len(all) == 0 {
			return Result{}, ErrEmptyPool
		}
		return Result{}, ErrNoActiveAccount
	}

	var (
		attempts []Attempt
		last     transport.Outcome
		lastID   string
	)

	for _, acc := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: last, AccountID: lastID, Attempts: attempts}, err
		}

		_ = d.scheduler.MarkDispatched(ctx, acc.ID)

		mu := d.locks.lockFor(acc.ID)
		mu.Lock()
		out, tryAttempts, accErr := d.attemptAccount(ctx, acc.ID, body, meta, actor)
		mu.Unlock()

		attempts = append(attempts, tryAttempts...)

		if accErr != nil {
			// refresh failed before any transport attempt — advance to the
			// next candidate (spec §4.6 step 2a).
			continue
		}

		last, lastID = out, acc.ID
		if evalErr := d.eval.Evaluate(ctx, acc.ID, actor, out); evalErr != nil {
			return Result{Outcome: out, AccountID: acc.ID, Attempts: attempts}, fmt.Errorf("evaluate outcome: %w", evalErr)
		}

		if out.OK || !inRotationSet(out) {
			return Result{Outcome: out, AccountID: acc.ID, Attempts: attempts}, nil
		}
	}

	return Result{Outcome: last, AccountID: lastID, Attempts: attempts}, nil
}

// attemptAccount runs spec §4.6 steps 2a-2b for one candidate: refresh, then
// the inner transport retry loop on that one access token.
func (d *Dispatcher) attemptAccount(ctx context.Context, accountID string, body []byte, meta transport.ClientMeta, actor string) (transport.Outcome, []Attempt, error) {
	accessToken, err := d.refresh.AccessTokenFor(ctx, accountID, actor)
	if err != nil {
		return transport.Outcome{}, []Attempt{{
			AccountID: accountID, Try: 0, Status: "failed",
			ErrorCode: "refresh_failed", Error: truncate(err.Error(), 200),
		}}, err
	}

	var (
		attempts []Attempt
		out      transport.Outcome
	)

	retries := d.cfg.RequestRetryCount
	if retries <= 0 {
		retries = 1
	}
	for try := 1; try <= retries; try++ {
		out = d.transport.Send(ctx, body, accessToken, d.cfg.UpstreamTimeout(), meta)

		status := "ok"
		if !out.OK {
			status = "failed"
		}
		attempts = append(attempts, Attempt{
			AccountID: accountID, Try: try, Status: status,
			ErrorCode: errorCode(out), Error: truncate(out.Error, 200),
		})

		if !isRetryable(out) || try == retries {
			break
		}
		delay := d.cfg.RequestRetryBaseDelay() * time.Duration(try)
		select {
		case <-ctx.Done():
			return out, attempts, ctx.Err()
		case <-time.After(delay):
		}
	}

	return out, attempts, nil
}

// isRetryable implements spec §4.6 step 2b's same-account retry condition.
// A 429 caused by quota exhaustion is excluded even though 429 is otherwise
// listed as retryable: quota exhaustion is a property of the account, not a
// transient upstream hiccup, so it goes straight to outer rotation instead
// of spending retries against the same exhausted account (spec §8 scenario
// 3: one 429 on account A rotates immediately to account B).
func isRetryable(out transport.Outcome) bool {
	if out.OK {
		return false
	}
	if out.StatusCode == 429 && isQuotaMarker(out) {
		return false
	}
	switch out.StatusCode {
	case 0, 408, 425, 429:
		return true
	}
	if out.StatusCode >= 500 {
		return true
	}
	return retryablePattern.MatchString(out.Error)
}

// inRotationSet implements spec §4.6 step 3: outcomes that should move
// dispatch on to the next candidate rather than surface to the caller.
func inRotationSet(out transport.Outcome) bool {
	if out.OK {
		return false
	}
	switch out.StatusCode {
	case 0, 401, 403, 429:
		return true
	}
	if out.StatusCode >= 500 {
		return true
	}
	if retryablePattern.MatchString(out.Error) {
		return true
	}
	if modelNotAllowedPattern.MatchString(out.Error) || invalidAPIKeyPattern.MatchString(out.Error) {
		return true
	}
	return isQuotaMarker(out)
}

func isQuotaMarker(out transport.Outcome) bool {
	lower := strings.ToLower(out.Error)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "no remaining") || strings.Contains(lower, "exhaust")
}

func errorCode(out transport.Outcome) string {
	if out.OK {
		return ""
	}
	if out.StatusCode > 0 {
		return fmt.Sprintf("http_%d", out.StatusCode)
	}
	return "request_failed"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
