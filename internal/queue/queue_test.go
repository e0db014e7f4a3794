package queue

import (
	"context"
	"testing"
	"time"

	"github.com/apihub-kr/apihub/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupQueue(t *testing.T) (context.Context, *miniredis.Miniredis, *redis.Client, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return context.Background(), mr, rdb, New(rdb)
}

func makeTask(id string, priority domain.Priority) *domain.Task {
	return &domain.Task{
		TaskID:      id,
		Priority:    priority,
		Provider:    domain.ProviderKIS,
		OperationID: "FHKST01010400",
		Params:      map[string]any{"symbol": "005930"},
		EnqueuedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestPushRoutesByPriority(t *testing.T) {
	ctx, mr, _, q := setupQueue(t)

	if err := q.Push(ctx, makeTask("t-high", domain.PriorityHigh)); err != nil {
		t.Fatalf("push high: %v", err)
	}
	if err := q.Push(ctx, makeTask("t-normal", domain.PriorityNormal)); err != nil {
		t.Fatalf("push normal: %v", err)
	}

	if n, _ := mr.List(PriorityKey); len(n) != 1 {
		t.Fatalf("expected 1 task on the priority list, got %d", len(n))
	}
	if n, _ := mr.List(RequestKey); len(n) != 1 {
		t.Fatalf("expected 1 task on the normal list, got %d", len(n))
	}
}

func TestPopPrefersPriority(t *testing.T) {
	ctx, _, _, q := setupQueue(t)

	// Normal task enqueued first must still lose to the later HIGH one.
	if err := q.Push(ctx, makeTask("t-normal", domain.PriorityNormal)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, makeTask("t-high", domain.PriorityHigh)); err != nil {
		t.Fatalf("push: %v", err)
	}

	first, err := q.Pop(ctx)
	if err != nil || first == nil {
		t.Fatalf("pop: %v / %v", first, err)
	}
	if first.TaskID != "t-high" {
		t.Fatalf("expected the HIGH task first, got %s", first.TaskID)
	}

	second, err := q.Pop(ctx)
	if err != nil || second == nil {
		t.Fatalf("pop: %v / %v", second, err)
	}
	if second.TaskID != "t-normal" {
		t.Fatalf("expected the NORMAL task second, got %s", second.TaskID)
	}

	third, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if third != nil {
		t.Fatalf("expected nil from empty queues, got %+v", third)
	}
}

func TestPopIsFIFOWithinAList(t *testing.T) {
	ctx, _, _, q := setupQueue(t)

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		if err := q.Push(ctx, makeTask(id, domain.PriorityNormal)); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	for _, want := range []string{"t-1", "t-2", "t-3"} {
		got, err := q.Pop(ctx)
		if err != nil || got == nil {
			t.Fatalf("pop: %v / %v", got, err)
		}
		if got.TaskID != want {
			t.Fatalf("expected %s, got %s", want, got.TaskID)
		}
	}
}

func TestBlockingPopDeliversTask(t *testing.T) {
	ctx, _, _, q := setupQueue(t)

	if err := q.Push(ctx, makeTask("t-1", domain.PriorityNormal)); err != nil {
		t.Fatalf("push: %v", err)
	}
	task, err := q.BlockingPop(ctx)
	if err != nil {
		t.Fatalf("blocking pop: %v", err)
	}
	if task == nil || task.TaskID != "t-1" {
		t.Fatalf("expected t-1, got %+v", task)
	}
	if task.Params["symbol"] != "005930" {
		t.Fatalf("params lost in transit: %+v", task.Params)
	}
}

func TestLengthsAndClear(t *testing.T) {
	ctx, _, _, q := setupQueue(t)

	for i := 0; i < 3; i++ {
		_ = q.Push(ctx, makeTask("h", domain.PriorityHigh))
	}
	_ = q.Push(ctx, makeTask("n", domain.PriorityNormal))

	prio, normal, err := q.Lengths(ctx)
	if err != nil {
		t.Fatalf("lengths: %v", err)
	}
	if prio != 3 || normal != 1 {
		t.Fatalf("expected 3/1, got %d/%d", prio, normal)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	prio, normal, _ = q.Lengths(ctx)
	if prio != 0 || normal != 0 {
		t.Fatalf("expected empty queues after clear, got %d/%d", prio, normal)
	}
}

func TestPublishResultStoresAndAnnounces(t *testing.T) {
	ctx, mr, rdb, q := setupQueue(t)

	sub := rdb.Subscribe(ctx, TopicKey("t-1"))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := &domain.Envelope{
		TaskID: "t-1",
		Status: domain.StatusSuccess,
		Data:   map[string]any{"output": "ok"},
	}
	if err := q.PublishResult(ctx, env); err != nil {
		t.Fatalf("publish result: %v", err)
	}

	got, err := q.GetResult(ctx, "t-1")
	if err != nil || got == nil {
		t.Fatalf("get result: %v / %v", got, err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("unexpected status %s", got.Status)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != TopicKey("t-1") {
			t.Fatalf("unexpected channel %s", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a pub/sub announcement")
	}

	if ttl := mr.TTL(ResponseKey("t-1")); ttl != ResponseTTL {
		t.Fatalf("expected response TTL %v, got %v", ResponseTTL, ttl)
	}
}

func TestGetResultMissing(t *testing.T) {
	ctx, _, _, q := setupQueue(t)
	env, err := q.GetResult(ctx, "nope")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil for a missing result, got %+v", env)
	}
}
