package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedActive(t *testing.T, s *store.SQLiteStore, refreshTokenHash string) string {
	t.Helper()
	ctx := context.Background()
	res, err := s.BatchImportAccounts(ctx, []store.ImportAccount{{
		RefreshToken:     "enc:" + refreshTokenHash,
		RefreshTokenHash: refreshTokenHash,
		Email:            refreshTokenHash + "@example.com",
	}})
	if err != nil || res.Inserted != 1 {
		t.Fatalf("seed account: res=%+v err=%v", res, err)
	}
	acc, err := s.FindByRefreshToken(ctx, refreshTokenHash)
	if err != nil {
		t.Fatalf("find seeded account: %v", err)
	}
	return acc.ID
}

func testConfig() *config.Config {
	return &config.Config{TokenUnhealthyFailureThreshold: 3}
}

func TestCandidatesExcludesCooldownAndUnhealthy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := New(s, testConfig())

	active := seedActive(t, s, "hash-active")
	cooldownID := seedActive(t, s, "hash-cooldown")
	unhealthyID := seedActive(t, s, "hash-unhealthy")

	future := time.Now().Add(time.Hour)
	if _, err := s.Update(ctx, cooldownID, store.AccountPatch{CooldownUntil: &future}); err != nil {
		t.Fatalf("patch cooldown: %v", err)
	}
	if err := s.UpsertHealth(ctx, store.HealthSnapshot{
		AccountID: unhealthyID, Healthy: false, ConsecutiveFailures: 5, LastCheckedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert health: %v", err)
	}

	got, err := sched.Candidates(ctx, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != active {
		t.Fatalf("expected only %q, got %+v", active, got)
	}
}

func TestCandidatesRanksByErrorCountThenUseCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := New(s, testConfig())

	worse := seedActive(t, s, "hash-worse")
	better := seedActive(t, s, "hash-better")

	twoErrors := 2
	if _, err := s.Update(ctx, worse, store.AccountPatch{ErrorCount: &twoErrors}); err != nil {
		t.Fatalf("patch worse: %v", err)
	}

	got, err := sched.Candidates(ctx, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != better || got[1].ID != worse {
		t.Fatalf("expected better-first ranking, got %+v", got)
	}
}

func TestCandidatesRotatesPastLastDispatched(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := New(s, testConfig())

	first := seedActive(t, s, "hash-a")
	second := seedActive(t, s, "hash-b")

	got, err := sched.Candidates(ctx, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	ranked := []string{got[0].ID, got[1].ID}

	if err := sched.MarkDispatched(ctx, ranked[0]); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	got, err = sched.Candidates(ctx, 10)
	if err != nil {
		t.Fatalf("candidates after rotation: %v", err)
	}
	if got[0].ID != ranked[1] {
		t.Fatalf("expected rotation to put %q first, got %q", ranked[1], got[0].ID)
	}
	if first == "" || second == "" {
		t.Fatal("unreachable")
	}
}

func TestCandidatesTruncatesToMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sched := New(s, testConfig())

	seedActive(t, s, "hash-1")
	seedActive(t, s, "hash-2")
	seedActive(t, s, "hash-3")

	got, err := sched.Candidates(ctx, 2)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates after truncation, got %d", len(got))
	}
}
