// Package queue provides the durable in-process task queue and the worker
// pool that drains it.
//
// The queue is a bounded channel mirrored by pending_tasks rows. Admission
// reserves a slot, commits the row inside the admission transaction, then
// appends; Rehydrate refills the channel from the surviving rows at startup.
// That mirroring is what makes the queue crash-safe without an external
// broker: the channel is only ever a cache of the table.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	obs "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Durable implements domain.Queue. Slot accounting is a token channel: a
// token held between TryAcquire and Append guarantees the later Append never
// blocks, so the admission transaction can commit the task row first and
// hand off second.
type Durable struct {
	tasks chan domain.PendingTask
	free  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewDurable builds a queue with the given capacity (queue_max_length).
func NewDurable(capacity int) *Durable {
	if capacity <= 0 {
		capacity = 1
	}
	d := &Durable{
		tasks: make(chan domain.PendingTask, capacity),
		free:  make(chan struct{}, capacity),
		done:  make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		d.free <- struct{}{}
	}
	return d
}

// TryAcquire reserves one slot without blocking.
func (d *Durable) TryAcquire() error {
	select {
	case <-d.free:
		return nil
	default:
		return fmt.Errorf("op=queue.TryAcquire: %w", domain.ErrQueueFull)
	}
}

// Release returns a slot whose admission transaction did not commit.
func (d *Durable) Release() {
	select {
	case d.free <- struct{}{}:
	default:
		// More releases than acquires is a caller bug; dropping the token
		// keeps the capacity invariant instead of corrupting it.
		slog.Warn("queue release without matching acquire")
	}
}

// Append hands a persisted task to the workers. The caller must hold a slot
// from TryAcquire, which is what guarantees channel space.
func (d *Durable) Append(task domain.PendingTask) {
	d.tasks <- task
	obs.EnqueueTask()
	obs.QueueDepth.Set(float64(len(d.tasks)))
}

// Dequeue blocks until a task is available, the context is cancelled, or the
// queue is closed. The slot frees on dequeue; the pending_tasks row stays
// until the engine finalizes.
func (d *Durable) Dequeue(ctx domain.Context) (domain.PendingTask, bool) {
	select {
	case task := <-d.tasks:
		d.free <- struct{}{}
		obs.QueueDepth.Set(float64(len(d.tasks)))
		return task, true
	case <-ctx.Done():
		return domain.PendingTask{}, false
	case <-d.done:
		return domain.PendingTask{}, false
	}
}

// Depth returns the number of tasks waiting in the channel.
func (d *Durable) Depth() int { return len(d.tasks) }

// Close unblocks all waiting Dequeue calls. Idempotent.
func (d *Durable) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Rehydrate refills the channel from the persisted queue rows, in queue
// order. Rows beyond the configured capacity are left in the table and
// logged; they are picked up after the backlog drains on the next restart.
func (d *Durable) Rehydrate(ctx context.Context, repo domain.TaskRepo) (int, error) {
	rows, err := repo.ListPendingOrdered(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=queue.Rehydrate: %w", err)
	}
	loaded := 0
	for _, task := range rows {
		if err := d.TryAcquire(); err != nil {
			slog.Warn("queue capacity below persisted backlog, leaving rows for next run",
				slog.Int("loaded", loaded), slog.Int("persisted", len(rows)))
			break
		}
		d.tasks <- task
		loaded++
	}
	obs.QueueDepth.Set(float64(len(d.tasks)))
	if loaded > 0 {
		slog.Info("queue rehydrated", slog.Int("tasks", loaded))
	}
	return loaded, nil
}
