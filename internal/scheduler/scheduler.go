// Package scheduler implements account selection and rotation (spec §4.5): a
// pure function of current store state plus now that yields an ordered
// sequence of candidate accounts for the dispatcher to try in turn.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/store"
)

// stateKey is the AppState row the rotation cursor is persisted under.
const stateKey = "scheduler.last_account_id"

// Scheduler selects and rotates accounts for requests.
type Scheduler struct {
	store store.Store
	cfg   *config.Config
}

func New(s store.Store, cfg *config.Config) *Scheduler {
	return &Scheduler{store: s, cfg: cfg}
}

// Candidates returns up to maxAttempts accounts to try, in order, per spec
// §4.5: filter to schedulable accounts, rank by (error_count ASC, use_count
// ASC, last_success_at DESC, id ASC), then rotate the ranked list past the
// account that was last dispatched.
func (s *Scheduler) Candidates(ctx context.Context, maxAttempts int) ([]*store.Account, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	health, err := s.loadHealthByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}

	now := time.Now().UTC()
	candidates := make([]*store.Account, 0, len(all))
	for _, acc := range all {
		if s.isSchedulable(acc, health[acc.ID], now) {
			candidates = append(candidates, acc)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount < b.ErrorCount
		}
		if a.UseCount != b.UseCount {
			return a.UseCount < b.UseCount
		}
		if !a.LastSuccessAt.Equal(b.LastSuccessAt) {
			return a.LastSuccessAt.After(b.LastSuccessAt)
		}
		return a.ID < b.ID
	})

	rotated := s.rotate(ctx, candidates)

	if maxAttempts > 0 && maxAttempts < len(rotated) {
		rotated = rotated[:maxAttempts]
	}
	return rotated, nil
}

// MarkDispatched records chosen as the rotation cursor (spec §4.5 step 7) —
// call this once per attempt, before the attempt runs.
func (s *Scheduler) MarkDispatched(ctx context.Context, accountID string) error {
	return s.store.SetState(ctx, stateKey, accountID)
}

// isSchedulable applies spec §4.5 steps 1-4.
func (s *Scheduler) isSchedulable(acc *store.Account, h *store.HealthSnapshot, now time.Time) bool {
	if acc.Status != store.StatusActive {
		return false
	}
	if !acc.CooldownUntil.IsZero() && acc.CooldownUntil.After(now) {
		return false
	}
	if h != nil && !h.Healthy && h.ConsecutiveFailures >= s.cfg.TokenUnhealthyFailureThreshold {
		return false
	}
	if acc.RefreshToken == "" {
		return false
	}
	return true
}

func (s *Scheduler) loadHealthByAccount(ctx context.Context) (map[string]*store.HealthSnapshot, error) {
	snaps, err := s.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.HealthSnapshot, len(snaps))
	for i := range snaps {
		byID[snaps[i].AccountID] = &snaps[i]
	}
	return byID, nil
}

// rotate advances past the account named by the persisted cursor (spec §4.5
// step 6). A cursor naming an account no longer in the ranked list (since
// evicted, deleted) leaves the ranking untouched — there is nothing to
// rotate past.
func (s *Scheduler) rotate(ctx context.Context, ranked []*store.Account) []*store.Account {
	last, err := s.store.GetState(ctx, stateKey)
	if err != nil || last == "" {
		return ranked
	}
	idx := -1
	for i, acc := range ranked {
		if acc.ID == last {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ranked
	}
	start := (idx + 1) % len(ranked)
	out := make([]*store.Account, 0, len(ranked))
	out = append(out, ranked[start:]...)
	out = append(out, ranked[:start]...)
	return out
}
