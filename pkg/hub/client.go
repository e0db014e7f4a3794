package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/apihub-kr/apihub/internal/queue"
	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/internal/tracing"
	"github.com/apihub-kr/apihub/pkg/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	batchConcurrency = 5
)

// ErrTimeout is returned when no worker published a result within the
// caller's wait budget. The task may still complete afterwards; its
// envelope stays readable via GetResponse until the response TTL.
var ErrTimeout = errors.New("timed out waiting for task result")

// Client is the caller-side SDK. It enqueues tasks and awaits their
// result envelopes over the store's pub/sub, never talking to the
// providers directly.
type Client struct {
	rdb    *redis.Client
	queue  *queue.Queue
	logger *slog.Logger
}

func NewClient(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rdb:    rdb,
		queue:  queue.New(rdb),
		logger: logger,
	}
}

// Request is one unit of work for Execute or ExecuteBatch.
type Request struct {
	Provider    domain.Provider
	OperationID string
	Params      map[string]any
	Priority    domain.Priority
	Timeout     time.Duration
}

func (r *Request) normalize() error {
	if !r.Provider.Valid() {
		return fmt.Errorf("invalid provider: %s", r.Provider)
	}
	if err := registry.Validate(r.OperationID, r.Provider); err != nil {
		return err
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityNormal
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", r.Priority)
	}
	if r.Timeout <= 0 {
		r.Timeout = defaultTimeout
	}
	return nil
}

// Execute enqueues one task and blocks until its envelope arrives or
// the timeout elapses. The subscription is opened before the push so
// the result cannot slip between enqueue and listen.
func (c *Client) Execute(ctx context.Context, req Request) (*domain.Envelope, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	task := &domain.Task{
		TaskID:      uuid.NewString(),
		Priority:    req.Priority,
		Provider:    req.Provider,
		OperationID: req.OperationID,
		Params:      req.Params,
		EnqueuedAt:  time.Now().UTC(),
	}
	task.TraceParent, task.TraceState = tracing.TraceContextStrings(ctx)

	sub := c.rdb.Subscribe(ctx, queue.TopicKey(task.TaskID))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe for task %s: %w", task.TaskID, err)
	}

	if err := c.queue.Push(ctx, task); err != nil {
		return nil, err
	}
	c.logger.Debug("task enqueued",
		"task_id", task.TaskID, "provider", task.Provider,
		"operation", task.OperationID, "priority", task.Priority)

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()
	select {
	case msg := <-sub.Channel():
		var env domain.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return nil, fmt.Errorf("decode envelope for task %s: %w", task.TaskID, err)
		}
		return &env, nil
	case <-timer.C:
		// The publish and our subscription can still cross if the
		// worker finished while we were setting up. One direct read
		// settles it.
		if env, err := c.queue.GetResult(ctx, task.TaskID); err == nil && env != nil {
			return env, nil
		}
		return nil, fmt.Errorf("%w: task %s", ErrTimeout, task.TaskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchResult pairs a request index with its outcome.
type BatchResult struct {
	Index    int
	Envelope *domain.Envelope
	Err      error
}

// ExecuteBatch runs requests concurrently, at most five in flight.
// Results come back indexed, not ordered.
func (c *Client) ExecuteBatch(ctx context.Context, reqs []Request) []BatchResult {
	out := make([]BatchResult, len(reqs))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			env, err := c.Execute(ctx, req)
			out[i] = BatchResult{Index: i, Envelope: env, Err: err}
		}(i, req)
	}
	wg.Wait()
	return out
}

// GetResponse reads a stored envelope directly, for callers that gave
// up waiting or poll instead of subscribing. nil means expired or
// never produced.
func (c *Client) GetResponse(ctx context.Context, taskID string) (*domain.Envelope, error) {
	return c.queue.GetResult(ctx, taskID)
}

// QueueLengths reports the current depth of both work queues.
func (c *Client) QueueLengths(ctx context.Context) (priority, normal int64, err error) {
	return c.queue.Lengths(ctx)
}
