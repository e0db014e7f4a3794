package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apihub-kr/apihub/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type stubRefresher struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	failFor int
	token   string
	ttl     int64
}

func (s *stubRefresher) Refresh(ctx context.Context, provider domain.Provider) (string, int64, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if n <= s.failFor {
		return "", 0, fmt.Errorf("provider token endpoint unavailable")
	}
	tok := s.token
	if tok == "" {
		tok = fmt.Sprintf("issued-%d", n)
	}
	ttl := s.ttl
	if ttl == 0 {
		ttl = 86400
	}
	return tok, ttl, nil
}

func (s *stubRefresher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func setupManager(t *testing.T, ref Refresher) (context.Context, *miniredis.Miniredis, *redis.Client, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	m := NewManager(rdb, map[domain.Provider]Refresher{
		domain.ProviderKIS:    ref,
		domain.ProviderKiwoom: ref,
	}, "worker-test", nil)
	m.retryBase = time.Millisecond
	m.pollInterval = 10 * time.Millisecond
	m.waitBudget = 300 * time.Millisecond
	return context.Background(), mr, rdb, m
}

func seedRecord(t *testing.T, rdb *redis.Client, provider domain.Provider, rec domain.TokenRecord, ttl time.Duration) {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := rdb.Set(context.Background(), fmt.Sprintf("api:token:%s", provider), raw, ttl).Err(); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestGetTokenUsesCachedRecord(t *testing.T) {
	ref := &stubRefresher{}
	ctx, _, rdb, m := setupManager(t, ref)

	seedRecord(t, rdb, domain.ProviderKIS, domain.TokenRecord{
		AccessToken: "cached-token",
		ExpiresAt:   time.Now().Unix() + 3600,
		RefreshedAt: time.Now().Unix(),
	}, time.Hour)

	got, err := m.GetToken(ctx, domain.ProviderKIS)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "cached-token" {
		t.Fatalf("expected cached token, got %q", got)
	}
	if ref.Calls() != 0 {
		t.Fatalf("valid cached token must not trigger a refresh, got %d calls", ref.Calls())
	}
}

func TestGetTokenRefreshesWhenMissing(t *testing.T) {
	ref := &stubRefresher{token: "fresh", ttl: 7200}
	ctx, mr, _, m := setupManager(t, ref)

	got, err := m.GetToken(ctx, domain.ProviderKIS)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "fresh" {
		t.Fatalf("expected freshly issued token, got %q", got)
	}
	if ref.Calls() != 1 {
		t.Fatalf("expected one refresh call, got %d", ref.Calls())
	}

	rec, err := m.Status(ctx, domain.ProviderKIS)
	if err != nil || rec == nil {
		t.Fatalf("expected stored record, got %v / %v", rec, err)
	}
	if rec.RefreshCount != 1 {
		t.Fatalf("expected refresh_count 1, got %d", rec.RefreshCount)
	}

	// The record TTL tracks the token lifetime.
	ttl := mr.TTL(fmt.Sprintf("api:token:%s", domain.ProviderKIS))
	if ttl != 7200*time.Second {
		t.Fatalf("expected record TTL 7200s, got %v", ttl)
	}
	if held, _ := m.locks.Held(ctx, lockKey(domain.ProviderKIS)); held {
		t.Fatalf("refresh lock must be released after a successful refresh")
	}
}

func TestGetTokenRefreshesInsideMargin(t *testing.T) {
	ref := &stubRefresher{token: "rotated"}
	ctx, _, rdb, m := setupManager(t, ref)

	// 60s left is inside the 300s refresh margin.
	seedRecord(t, rdb, domain.ProviderKIS, domain.TokenRecord{
		AccessToken:  "nearly-expired",
		ExpiresAt:    time.Now().Unix() + 60,
		RefreshCount: 3,
	}, time.Minute)

	got, err := m.GetToken(ctx, domain.ProviderKIS)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "rotated" {
		t.Fatalf("expected refreshed token, got %q", got)
	}

	rec, _ := m.Status(ctx, domain.ProviderKIS)
	if rec.RefreshCount != 4 {
		t.Fatalf("expected refresh_count carried forward to 4, got %d", rec.RefreshCount)
	}
}

func TestForceRefreshIgnoresValidity(t *testing.T) {
	ref := &stubRefresher{token: "forced"}
	ctx, _, rdb, m := setupManager(t, ref)

	seedRecord(t, rdb, domain.ProviderKiwoom, domain.TokenRecord{
		AccessToken: "still-valid",
		ExpiresAt:   time.Now().Unix() + 3600,
	}, time.Hour)

	got, err := m.ForceRefresh(ctx, domain.ProviderKiwoom)
	if err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	if got != "forced" {
		t.Fatalf("expected forced token, got %q", got)
	}
	if ref.Calls() != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", ref.Calls())
	}
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	ref := &stubRefresher{failFor: 2, token: "third-time"}
	ctx, _, _, m := setupManager(t, ref)

	got, err := m.GetToken(ctx, domain.ProviderKIS)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "third-time" {
		t.Fatalf("expected token from third attempt, got %q", got)
	}
	if ref.Calls() != 3 {
		t.Fatalf("expected 3 refresh attempts, got %d", ref.Calls())
	}
}

func TestRefreshGivesUpAfterRetries(t *testing.T) {
	ref := &stubRefresher{failFor: 100}
	ctx, _, _, m := setupManager(t, ref)

	_, err := m.GetToken(ctx, domain.ProviderKIS)
	if err == nil {
		t.Fatalf("expected refresh failure after exhausting retries")
	}
	if ref.Calls() != 3 {
		t.Fatalf("expected 3 refresh attempts, got %d", ref.Calls())
	}
	if held, _ := m.locks.Held(ctx, lockKey(domain.ProviderKIS)); held {
		t.Fatalf("refresh lock must be released after a failed refresh")
	}
}

func TestContendingWorkersShareOneRefresh(t *testing.T) {
	ref := &stubRefresher{delay: 30 * time.Millisecond, token: "shared"}
	ctx, _, rdb, _ := setupManager(t, ref)

	// Independent managers model separate worker processes against the
	// same store.
	managers := make([]*Manager, 5)
	for i := range managers {
		m := NewManager(rdb, map[domain.Provider]Refresher{domain.ProviderKIS: ref},
			fmt.Sprintf("worker-%d", i), nil)
		m.retryBase = time.Millisecond
		m.pollInterval = 10 * time.Millisecond
		m.waitBudget = time.Second
		managers[i] = m
	}

	var failures atomic.Int64
	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			tok, err := m.GetToken(ctx, domain.ProviderKIS)
			if err != nil || tok != "shared" {
				failures.Add(1)
			}
		}(m)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d workers failed to obtain the shared token", failures.Load())
	}
	if ref.Calls() != 1 {
		t.Fatalf("expected a single provider refresh under contention, got %d", ref.Calls())
	}
}

func TestWaitsForAnotherHoldersResult(t *testing.T) {
	ref := &stubRefresher{}
	ctx, _, rdb, m := setupManager(t, ref)

	// Another worker holds the lock; its finished record appears while
	// we poll.
	if err := rdb.Set(ctx, lockKey(domain.ProviderKIS), "worker-other:123", 10*time.Second).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	go func() {
		time.Sleep(40 * time.Millisecond)
		raw, _ := json.Marshal(domain.TokenRecord{
			AccessToken: "from-holder",
			ExpiresAt:   time.Now().Unix() + 3600,
		})
		_ = rdb.Set(ctx, tokenKey(domain.ProviderKIS), raw, time.Hour).Err()
	}()

	got, err := m.GetToken(ctx, domain.ProviderKIS)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "from-holder" {
		t.Fatalf("expected the holder's token, got %q", got)
	}
	if ref.Calls() != 0 {
		t.Fatalf("waiting worker must not refresh on its own, got %d calls", ref.Calls())
	}
}

func TestUnconfiguredProviderFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := NewManager(rdb, nil, "worker-test", nil)
	if _, err := m.GetToken(context.Background(), domain.ProviderKIS); err == nil {
		t.Fatalf("expected error for provider without a refresher")
	}
}
