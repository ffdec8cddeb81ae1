package health

import (
	"testing"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/store"
)

func testMonitor() *Monitor {
	cfg := &config.Config{
		PoolMonitorIntervalSeconds:      60,
		PoolTokenRefreshIntervalSeconds: 1800,
		PoolMaxParallel:                 4,
		PoolQuotaRetryLeadSeconds:       300,
	}
	return &Monitor{cfg: cfg}
}

func TestIsDueNeverCheckedIsAlwaysDue(t *testing.T) {
	m := testMonitor()
	acc := &store.Account{Status: store.StatusActive}
	if !m.isDue(acc, time.Now()) {
		t.Fatalf("expected a never-checked active account to be due")
	}
}

func TestIsDueRespectsRefreshInterval(t *testing.T) {
	m := testMonitor()
	now := time.Now()
	acc := &store.Account{Status: store.StatusActive, LastCheckAt: now.Add(-time.Minute)}
	if m.isDue(acc, now) {
		t.Fatalf("expected an account checked a minute ago not to be due yet")
	}
	acc.LastCheckAt = now.Add(-time.Hour)
	if !m.isDue(acc, now) {
		t.Fatalf("expected an account checked an hour ago to be due")
	}
}

func TestIsDueSkipsDisabledAndBlocked(t *testing.T) {
	m := testMonitor()
	now := time.Now()
	for _, status := range []string{store.StatusDisabled, store.StatusBlocked} {
		acc := &store.Account{Status: status}
		if m.isDue(acc, now) {
			t.Fatalf("expected status %q to never be due", status)
		}
	}
}

func TestIsDueQuotaExhaustedWaitsForLeadWindow(t *testing.T) {
	m := testMonitor()
	now := time.Now()
	acc := &store.Account{
		Status:          store.StatusQuotaExhausted,
		NextRefreshTime: now.Add(time.Hour),
	}
	if m.isDue(acc, now) {
		t.Fatalf("expected a quota-exhausted account far from its refresh window not to be due")
	}
	acc.NextRefreshTime = now.Add(time.Minute)
	if !m.isDue(acc, now) {
		t.Fatalf("expected a quota-exhausted account inside its refresh lead window to be due")
	}
}
