package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apihub-kr/apihub/internal/client"
	"github.com/apihub-kr/apihub/internal/metrics"
	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/pkg/domain"
)

const rateLimitWait = 5 * time.Second

// Reason strings attached to non-success envelopes.
const (
	ReasonCircuitOpen      = "CIRCUIT_OPEN"
	ReasonRateLimitTimeout = "RATE_LIMIT_TIMEOUT"
)

// Breaker is the dispatcher's view of the worker circuit breaker.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
	Snapshot() *domain.CircuitSnapshot
}

// RateLimiter blocks until a provider token is granted or the wait
// budget elapses.
type RateLimiter interface {
	WaitAcquire(ctx context.Context, provider domain.Provider, timeout time.Duration) bool
}

// Dispatcher turns one task into one result envelope. Gate order is
// fixed: circuit first, then client lookup, then the rate limiter,
// then the provider call.
type Dispatcher struct {
	clients map[domain.Provider]client.Client
	breaker Breaker
	limiter RateLimiter
	logger  *slog.Logger

	waitBudget time.Duration
}

func New(clients map[domain.Provider]client.Client, breaker Breaker, limiter RateLimiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		clients:    clients,
		breaker:    breaker,
		limiter:    limiter,
		logger:     logger,
		waitBudget: rateLimitWait,
	}
}

// Dispatch never returns an error; every outcome is an envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task) *domain.Envelope {
	start := time.Now()
	env := d.dispatch(ctx, task)
	metrics.TaskDispatchedTotal.WithLabelValues(string(task.Provider), string(env.Status)).Inc()
	metrics.TaskDispatchLatencySeconds.WithLabelValues(string(task.Provider), string(env.Status)).
		Observe(time.Since(start).Seconds())
	return env
}

func (d *Dispatcher) dispatch(ctx context.Context, task *domain.Task) *domain.Envelope {
	if !d.breaker.CanExecute() {
		d.logger.Warn("task rejected, circuit open", "task_id", task.TaskID, "provider", task.Provider)
		return &domain.Envelope{
			TaskID:       task.TaskID,
			Status:       domain.StatusRejected,
			Reason:       ReasonCircuitOpen,
			CircuitState: d.breaker.Snapshot(),
		}
	}

	c, ok := d.clients[task.Provider]
	if !ok {
		return &domain.Envelope{
			TaskID: task.TaskID,
			Status: domain.StatusError,
			Reason: fmt.Sprintf("NO_CLIENT_%s", task.Provider),
		}
	}

	op, ok := registry.Lookup(task.OperationID)
	if !ok || op.Provider != task.Provider {
		return &domain.Envelope{
			TaskID: task.TaskID,
			Status: domain.StatusError,
			Reason: fmt.Sprintf("unknown operation %s for provider %s", task.OperationID, task.Provider),
		}
	}

	if !d.limiter.WaitAcquire(ctx, task.Provider, d.waitBudget) {
		d.logger.Warn("task abandoned, rate limit wait exhausted", "task_id", task.TaskID, "provider", task.Provider)
		return &domain.Envelope{
			TaskID: task.TaskID,
			Status: domain.StatusRateLimited,
			Reason: ReasonRateLimitTimeout,
		}
	}

	data, err := c.Execute(ctx, op, task.Params)
	if err != nil {
		return d.failureEnvelope(task, err)
	}

	d.breaker.RecordSuccess()
	return &domain.Envelope{
		TaskID: task.TaskID,
		Status: domain.StatusSuccess,
		Data:   data,
	}
}

// failureEnvelope classifies a client error. Auth rejections and
// provider-level API errors say nothing about service health, so
/// neither counts against the breaker. A provider 429 does count: our
// own bucket should have prevented it, so reaching one means the
// gateway is miscalibrated.
func (d *Dispatcher) failureEnvelope(task *domain.Task, err error) *domain.Envelope {
	var authErr *client.AuthenticationError
	if errors.As(err, &authErr) {
		return &domain.Envelope{
			TaskID: task.TaskID,
			Status: domain.StatusError,
			Reason: err.Error(),
		}
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		// The provider answered; the request itself was bad.
		return &domain.Envelope{
			TaskID: task.TaskID,
			Status: domain.StatusError,
			Reason: err.Error(),
		}
	}

	d.breaker.RecordFailure()
	d.logger.Error("task dispatch failed", "task_id", task.TaskID, "provider", task.Provider, "err", err)

	status := domain.StatusError
	var toErr *client.TimeoutError
	if errors.As(err, &toErr) {
		status = domain.StatusTimeout
	}
	return &domain.Envelope{
		TaskID:       task.TaskID,
		Status:       status,
		Reason:       err.Error(),
		CircuitState: d.breaker.Snapshot(),
	}
}

// DispatchBatch processes tasks in order. Once the breaker opens, the
// remaining tasks are rejected without touching the providers.
func (d *Dispatcher) DispatchBatch(ctx context.Context, tasks []*domain.Task) []*domain.Envelope {
	out := make([]*domain.Envelope, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, d.Dispatch(ctx, task))
	}
	return out
}
