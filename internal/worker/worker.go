package worker

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apihub-kr/apihub/internal/dispatch"
	"github.com/apihub-kr/apihub/internal/queue"
	"github.com/apihub-kr/apihub/internal/tracing"
	"github.com/apihub-kr/apihub/pkg/domain"
)

// Worker drains the shared queues and turns tasks into published result
// envelopes. Tasks are processed one at a time; parallelism comes from
// running more worker processes against the same store.
type Worker struct {
	id         string
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(id string, q *queue.Queue, d *dispatch.Dispatcher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:         id,
		queue:      q,
		dispatcher: d,
		logger:     logger.With("worker_id", id),
		stopped:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled. The pop timeout bounds how long a
// cancelled worker keeps waiting on an empty queue.
func (w *Worker) Run(ctx context.Context) {
	defer w.stopOnce.Do(func() { close(w.stopped) })
	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		default:
		}

		task, err := w.queue.BlockingPop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return
			}
			// Malformed payloads are dropped; re-queueing them would
			// just loop forever.
			w.logger.Error("failed to pop task", "err", err)
			continue
		}
		if task == nil {
			continue
		}
		w.process(ctx, task)
	}
}

// Stopped is closed once Run has returned.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

func (w *Worker) process(ctx context.Context, task *domain.Task) {
	taskCtx := tracing.ContextWithRemoteParent(ctx, task.TraceParent, task.TraceState)
	taskCtx, span := otel.Tracer("apihub/worker").Start(taskCtx, "task.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", task.TaskID),
			attribute.String("task.provider", string(task.Provider)),
			attribute.String("task.operation", task.OperationID),
			attribute.String("task.priority", string(task.Priority)),
		))
	defer span.End()

	env := w.dispatcher.Dispatch(taskCtx, task)
	span.SetAttributes(attribute.String("task.status", string(env.Status)))

	if err := w.queue.PublishResult(taskCtx, env); err != nil {
		w.logger.Error("failed to publish result", "task_id", task.TaskID, "err", err)
		return
	}
	w.logger.Info("task processed",
		"task_id", task.TaskID,
		"provider", task.Provider,
		"operation", task.OperationID,
		"status", env.Status)
}
