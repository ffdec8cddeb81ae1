package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/evaluator"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedActive(t *testing.T, s *store.SQLiteStore, hash string) string {
	t.Helper()
	ctx := context.Background()
	res, err := s.BatchImportAccounts(ctx, []store.ImportAccount{{
		RefreshToken:     "enc:" + hash,
		RefreshTokenHash: hash,
	}})
	if err != nil || res.Inserted != 1 {
		t.Fatalf("seed account: res=%+v err=%v", res, err)
	}
	acc, err := s.FindByRefreshToken(ctx, hash)
	if err != nil {
		t.Fatalf("find seeded account: %v", err)
	}
	return acc.ID
}

type fakeScheduler struct {
	s *store.SQLiteStore
}

func (f *fakeScheduler) Candidates(ctx context.Context, maxAttempts int) ([]*store.Account, error) {
	all, err := f.s.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []*store.Account
	for _, a := range all {
		if a.Status == store.StatusActive {
			active = append(active, a)
		}
	}
	return active, nil
}

func (f *fakeScheduler) MarkDispatched(ctx context.Context, accountID string) error { return nil }

type fakeRefresher struct{ fail map[string]bool }

func (f *fakeRefresher) AccessTokenFor(ctx context.Context, accountID, actor string) (string, error) {
	if f.fail[accountID] {
		return "", errors.New("refresh failed")
	}
	return "jwt-" + accountID, nil
}

type fakeSender struct {
	outcomes map[string][]transport.Outcome // per access token, sequence of outcomes to return
	calls    map[string]int
}

func (f *fakeSender) Send(ctx context.Context, body []byte, accessToken string, timeout time.Duration, meta transport.ClientMeta) transport.Outcome {
	seq := f.outcomes[accessToken]
	i := f.calls[accessToken]
	f.calls[accessToken] = i + 1
	if i >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[i]
}

func newDispatcher(t *testing.T, s *store.SQLiteStore, refresher AccessTokenProvider, sender Sender) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		RequestRetryCount:       2,
		RequestRetryBaseDelayMs: 1,
		TokenErrorCooldownSeconds: 1,
		TokenCooldownSeconds:      1,
	}
	eval := evaluator.New(s, cfg)
	return &Dispatcher{
		scheduler: &fakeScheduler{s: s},
		refresh:   refresher,
		transport: sender,
		eval:      eval,
		store:     s,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
}

func TestDispatchEmptyPool(t *testing.T) {
	s := newTestStore(t)
	d := newDispatcher(t, s, &fakeRefresher{}, &fakeSender{outcomes: map[string][]transport.Outcome{}, calls: map[string]int{}})

	_, err := d.Dispatch(context.Background(), []byte("body"), transport.ClientMeta{}, 3, "test")
	if !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	s := newTestStore(t)
	id := seedActive(t, s, "hash-a")

	sender := &fakeSender{
		outcomes: map[string][]transport.Outcome{"jwt-" + id: {{OK: true, StatusCode: 200, Text: "hello"}}},
		calls:    map[string]int{},
	}
	d := newDispatcher(t, s, &fakeRefresher{}, sender)

	res, err := d.Dispatch(context.Background(), []byte("body"), transport.ClientMeta{}, 3, "test")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Outcome.OK || res.Outcome.Text != "hello" {
		t.Fatalf("expected ok outcome with text, got %+v", res.Outcome)
	}
	if res.AccountID != id {
		t.Fatalf("expected account %q, got %q", id, res.AccountID)
	}

	acc, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.UseCount != 1 {
		t.Fatalf("expected use_count 1, got %d", acc.UseCount)
	}
}

func TestDispatchRotatesOnQuotaExhaustion(t *testing.T) {
	s := newTestStore(t)
	idA := seedActive(t, s, "hash-a")
	idB := seedActive(t, s, "hash-b")

	sender := &fakeSender{
		outcomes: map[string][]transport.Outcome{
			"jwt-" + idA: {{OK: false, StatusCode: 429, Error: "No remaining quota"}},
			"jwt-" + idB: {{OK: true, StatusCode: 200, Text: "ok"}},
		},
		calls: map[string]int{},
	}
	d := newDispatcher(t, s, &fakeRefresher{}, sender)

	res, err := d.Dispatch(context.Background(), []byte("body"), transport.ClientMeta{}, 3, "test")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Outcome.OK {
		t.Fatalf("expected eventual success, got %+v", res.Outcome)
	}
	// a quota-exhaustion 429 is not retried inline (spec §8 scenario 3): one
	// attempt on A, then dispatch rotates straight to B.
	if len(res.Attempts) != 2 {
		t.Fatalf("expected 2 attempts (1 on A, 1 on B), got %d: %+v", len(res.Attempts), res.Attempts)
	}

	accA, _ := s.Get(context.Background(), idA)
	if accA.Status != store.StatusQuotaExhausted {
		t.Fatalf("expected account A quota_exhausted, got %q", accA.Status)
	}
	accB, _ := s.Get(context.Background(), idB)
	if accB.Status != store.StatusActive || accB.UseCount != 1 {
		t.Fatalf("expected account B active with use_count 1, got %+v", accB)
	}
}

func TestDispatchRefreshFailureAdvancesCandidate(t *testing.T) {
	s := newTestStore(t)
	idA := seedActive(t, s, "hash-a")
	idB := seedActive(t, s, "hash-b")

	sender := &fakeSender{
		outcomes: map[string][]transport.Outcome{
			"jwt-" + idB: {{OK: true, StatusCode: 200, Text: "ok"}},
		},
		calls: map[string]int{},
	}
	d := newDispatcher(t, s, &fakeRefresher{fail: map[string]bool{idA: true}}, sender)

	res, err := d.Dispatch(context.Background(), []byte("body"), transport.ClientMeta{}, 3, "test")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.AccountID != idB || !res.Outcome.OK {
		t.Fatalf("expected success on account B, got %+v", res)
	}
}
