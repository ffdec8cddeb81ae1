// Package health implements the Health Monitor (spec §4.9): a background
// loop that periodically refreshes accounts due for a check and keeps their
// health snapshots current, independent of request traffic.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/refresh"
	"github.com/ozhandev/warp-gateway/internal/store"
)

// Monitor owns the background refresh loop.
type Monitor struct {
	store   store.Store
	refresh *refresh.Service
	cfg     *config.Config
}

func New(s store.Store, r *refresh.Service, cfg *config.Config) *Monitor {
	return &Monitor{store: s, refresh: r, cfg: cfg}
}

// Run ticks every PoolMonitorInterval until ctx is cancelled, draining any
// in-flight tick's probes before returning (spec §4.9's graceful shutdown).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PoolMonitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick refreshes every due account with bounded parallelism.
func (m *Monitor) tick(ctx context.Context) {
	accounts, err := m.store.List(ctx)
	if err != nil {
		slog.Warn("health monitor: list accounts", "error", err)
		return
	}

	now := time.Now().UTC()
	due := make([]*store.Account, 0, len(accounts))
	for _, acc := range accounts {
		if m.isDue(acc, now) {
			due = append(due, acc)
		}
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, m.cfg.PoolMaxParallel)
	var wg sync.WaitGroup
	for _, acc := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(a *store.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probe(ctx, a.ID)
		}(acc)
	}
	wg.Wait()
}

// isDue implements spec §4.9's due-set predicate: eligible status, interval
// elapsed since last check, with quota_exhausted accounts additionally
// skipped until their own refresh window is within QuotaRetryLead.
func (m *Monitor) isDue(acc *store.Account, now time.Time) bool {
	switch acc.Status {
	case store.StatusActive, store.StatusCooldown, store.StatusQuotaExhausted:
	default:
		return false
	}

	if acc.Status == store.StatusQuotaExhausted {
		if acc.NextRefreshTime.Sub(now) > m.cfg.PoolQuotaRetryLead() {
			return false
		}
	}

	if acc.LastCheckAt.IsZero() {
		return true
	}
	return now.Sub(acc.LastCheckAt) >= m.cfg.PoolTokenRefreshInterval()
}

// probe runs one full refresh cycle for an account, logging but not
// propagating failures — a single account's probe failure must not stop
// the tick from covering the rest of the due set.
func (m *Monitor) probe(ctx context.Context, accountID string) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := m.refresh.RefreshAccount(probeCtx, accountID, "health-monitor"); err != nil {
		slog.Debug("health monitor: probe failed", "accountId", accountID, "error", err)
	}
}
