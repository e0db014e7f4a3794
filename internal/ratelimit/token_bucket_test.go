package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/apihub-kr/apihub/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupLimiter(t *testing.T) (context.Context, *miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return context.Background(), mr, NewLimiter(rdb, DefaultBuckets(), nil)
}

// fakeClock lets tests drive bucket refill without sleeping; the Lua
// script only sees the timestamp the limiter passes in.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestColdStartGrantsBurstThenDenies(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now

	// KIS capacity is 5: exactly five immediate grants from a cold bucket.
	for i := 0; i < 5; i++ {
		if !lim.Acquire(ctx, domain.ProviderKIS) {
			t.Fatalf("expected grant %d from cold bucket", i+1)
		}
	}
	if lim.Acquire(ctx, domain.ProviderKIS) {
		t.Fatalf("expected denial once the burst is drained")
	}
}

func TestRefillAtConfiguredRate(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now

	// Drain the Kiwoom burst (capacity 3).
	for i := 0; i < 3; i++ {
		if !lim.Acquire(ctx, domain.ProviderKiwoom) {
			t.Fatalf("expected burst grant %d", i+1)
		}
	}
	if lim.Acquire(ctx, domain.ProviderKiwoom) {
		t.Fatalf("expected empty bucket to deny")
	}

	// 100ms at 10/s refills exactly one token.
	clock.advance(100 * time.Millisecond)
	if !lim.Acquire(ctx, domain.ProviderKiwoom) {
		t.Fatalf("expected one token after 100ms refill")
	}
	if lim.Acquire(ctx, domain.ProviderKiwoom) {
		t.Fatalf("expected second immediate acquire to be denied")
	}
}

// A refill worth exactly N tokens must grant exactly N acquisitions;
// timestamp rounding must never shave a due token to 0.9999....
func TestRefillBoundaryIsExact(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now

	for i := 0; i < 3; i++ {
		if !lim.Acquire(ctx, domain.ProviderKiwoom) {
			t.Fatalf("expected burst grant %d", i+1)
		}
	}

	// 300ms at 10/s is exactly three tokens.
	clock.advance(300 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if !lim.Acquire(ctx, domain.ProviderKiwoom) {
			t.Fatalf("expected refilled grant %d of 3", i+1)
		}
	}
	if lim.Acquire(ctx, domain.ProviderKiwoom) {
		t.Fatalf("expected the fourth acquire to be denied")
	}
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now

	if !lim.Acquire(ctx, domain.ProviderKIS) {
		t.Fatalf("expected initial grant")
	}
	// A long idle period must refill to capacity, not beyond.
	clock.advance(time.Hour)
	granted := 0
	for i := 0; i < 10; i++ {
		if lim.Acquire(ctx, domain.ProviderKIS) {
			granted++
		}
	}
	if granted != 5 {
		t.Fatalf("expected exactly capacity (5) grants after idle, got %d", granted)
	}
}

func TestWaitAcquireTimesOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// A bucket too slow to refill within the wait deadline.
	buckets := map[domain.Provider]Bucket{
		domain.ProviderKIS: {RatePerSecond: 0.1, Capacity: 1},
	}
	lim := NewLimiter(rdb, buckets, nil)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now
	ctx := context.Background()

	if !lim.Acquire(ctx, domain.ProviderKIS) {
		t.Fatalf("expected the single burst token")
	}

	done := make(chan bool, 1)
	go func() {
		done <- lim.WaitAcquire(ctx, domain.ProviderKIS, 200*time.Millisecond)
	}()
	time.Sleep(60 * time.Millisecond)
	clock.advance(300 * time.Millisecond) // past deadline, refill still < 1 token
	if ok := <-done; ok {
		t.Fatalf("expected WaitAcquire to time out against an empty slow bucket")
	}
}

func TestWaitAcquireGrantsAfterRefill(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim.now = clock.now

	for i := 0; i < 3; i++ {
		lim.Acquire(ctx, domain.ProviderKiwoom)
	}

	done := make(chan bool, 1)
	go func() {
		done <- lim.WaitAcquire(ctx, domain.ProviderKiwoom, 5*time.Second)
	}()
	time.Sleep(60 * time.Millisecond)
	clock.advance(150 * time.Millisecond) // 10/s refills one token
	if ok := <-done; !ok {
		t.Fatalf("expected WaitAcquire to succeed once the bucket refilled")
	}
}

func TestFailOpenWhenStoreIsDown(t *testing.T) {
	ctx, mr, lim := setupLimiter(t)
	mr.Close()
	if !lim.Acquire(ctx, domain.ProviderKIS) {
		t.Fatalf("expected fail-open grant when the store is unreachable")
	}
}

func TestUnknownProviderIsUnlimited(t *testing.T) {
	ctx, _, lim := setupLimiter(t)
	for i := 0; i < 50; i++ {
		if !lim.Acquire(ctx, domain.Provider("OTHER")) {
			t.Fatalf("expected unconfigured provider to be unlimited")
		}
	}
}
