package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apihub-kr/apihub/pkg/domain"
)

const (
	// PriorityKey and RequestKey are the two work lists. Producers LPUSH,
	// workers BRPOP with the priority list first, so HIGH tasks always
	// pre-empt NORMAL ones.
	PriorityKey = "api:priority:queue"
	RequestKey  = "api:request:queue"

	// ResponseTTL bounds how long an unclaimed result stays readable.
	ResponseTTL = 60 * time.Second

	popTimeout = time.Second
)

// ResponseKey is where the result envelope for taskID is stored.
func ResponseKey(taskID string) string {
	return fmt.Sprintf("api:response:%s", taskID)
}

// TopicKey is the pub/sub channel a caller subscribes to for taskID.
func TopicKey(taskID string) string {
	return fmt.Sprintf("api:topic:%s", taskID)
}

// Queue is the Redis-backed work queue shared by the SDK (producer
// side) and the workers (consumer side).
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func keyFor(priority domain.Priority) string {
	if priority == domain.PriorityHigh {
		return PriorityKey
	}
	return RequestKey
}

// Push enqueues a task on the list matching its priority.
func (q *Queue) Push(ctx context.Context, task *domain.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.TaskID, err)
	}
	if err := q.rdb.LPush(ctx, keyFor(task.Priority), raw).Err(); err != nil {
		return fmt.Errorf("push task %s: %w", task.TaskID, err)
	}
	return nil
}

// Pop takes one task without blocking, priority list first. Returns
// nil when both lists are empty.
func (q *Queue) Pop(ctx context.Context) (*domain.Task, error) {
	for _, key := range []string{PriorityKey, RequestKey} {
		raw, err := q.rdb.RPop(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop from %s: %w", key, err)
		}
		return decodeTask(raw)
	}
	return nil, nil
}

// BlockingPop waits up to one second across both lists. BRPOP checks
// the keys in argument order, which is what gives HIGH its precedence.
// Returns nil on timeout so the worker loop can re-check its stop flag.
func (q *Queue) BlockingPop(ctx context.Context) (*domain.Task, error) {
	res, err := q.rdb.BRPop(ctx, popTimeout, PriorityKey, RequestKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop: %w", err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("blocking pop: unexpected reply of %d elements", len(res))
	}
	return decodeTask(res[1])
}

func decodeTask(raw string) (*domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Lengths reports the current depth of both lists.
func (q *Queue) Lengths(ctx context.Context) (priority, normal int64, err error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, PriorityKey)
	n := pipe.LLen(ctx, RequestKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue lengths: %w", err)
	}
	return p.Val(), n.Val(), nil
}

// Clear drops both lists. Admin and test use.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, PriorityKey, RequestKey).Err(); err != nil {
		return fmt.Errorf("clear queues: %w", err)
	}
	return nil
}

// PublishResult stores the envelope under the response key with a
// bounded TTL and announces it on the task's pub/sub topic. Both writes
// happen so a caller works whether it subscribed in time or polls the
// key afterwards.
func (q *Queue) PublishResult(ctx context.Context, env *domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.TaskID, err)
	}
	pipe := q.rdb.Pipeline()
	pipe.Set(ctx, ResponseKey(env.TaskID), raw, ResponseTTL)
	pipe.Publish(ctx, TopicKey(env.TaskID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result %s: %w", env.TaskID, err)
	}
	return nil
}

// GetResult reads a stored envelope. Returns nil when the key is gone
// or never existed.
func (q *Queue) GetResult(ctx context.Context, taskID string) (*domain.Envelope, error) {
	raw, err := q.rdb.Get(ctx, ResponseKey(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", taskID, err)
	}
	return &env, nil
}
