package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	obs "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Processor handles one dequeued task to completion. ProcessTask owns the
// whole attempt cycle including its finalize transaction; AbortTask is the
// fatal-path cleanup invoked when ProcessTask panics.
type Processor interface {
	ProcessTask(ctx context.Context, task domain.PendingTask) error
	AbortTask(ctx context.Context, task domain.PendingTask, reason string)
}

// Pool runs N workers draining a Durable queue.
type Pool struct {
	queue     *Durable
	processor Processor
	workers   int
	drain     time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewPool builds a pool of workers (worker_concurrency). drain bounds how
// long Stop waits for in-flight tasks.
func NewPool(q *Durable, p Processor, workers int, drain time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return &Pool{queue: q, processor: p, workers: workers, drain: drain}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	slog.Info("worker pool started", slog.Int("workers", p.workers))
}

// Stop closes the queue so workers stop dequeuing, then waits up to the
// drain deadline for in-flight tasks. Tasks still pending after the deadline
// keep their rows and are rehydrated on the next run.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.queue.Close()
		if p.cancel != nil {
			defer p.cancel()
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			slog.Info("worker pool drained")
		case <-time.After(p.drain):
			err = fmt.Errorf("op=pool.Stop: drain deadline exceeded after %s", p.drain)
		case <-ctx.Done():
			err = fmt.Errorf("op=pool.Stop: %w", ctx.Err())
		}
	})
	return err
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := slog.With(slog.Int("worker", id))
	for {
		task, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.handle(ctx, log, task)
	}
}

// handle wraps one task so a panicking processor takes down neither the
// worker nor the session: the task is aborted (ERROR event, row deleted,
// session back to READY) and the loop continues.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, task domain.PendingTask) {
	obs.StartProcessingTask()
	defer func() {
		if r := recover(); r != nil {
			obs.FailTask()
			log.Error("worker panic recovered",
				slog.String("task_id", task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.processor.AbortTask(ctx, task, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := p.processor.ProcessTask(ctx, task); err != nil {
		obs.FailTask()
		log.Error("task processing failed",
			slog.String("task_id", task.ID),
			slog.String("user_id", task.UserID),
			slog.Any("error", err),
		)
		return
	}
	obs.CompleteTask()
}
