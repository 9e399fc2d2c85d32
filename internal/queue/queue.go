package queue

import (
	"context"
	"time"

	"airbnb/scraper/internal/domain/task"
)

// Delivery is one task handed to a consumer. It stays pending until it is
// acked, requeued or marked failed.
type Delivery struct {
	ID       string
	TaskType string
	Data     []byte
	Attempt  int // 0 on first delivery
}

func (d *Delivery) Task() (task.Task, error) {
	return task.Decode(d.TaskType, d.Data)
}

type Queue interface {
	// Enqueue adds the task unless a task with the same key was accepted
	// before. It reports whether the task was accepted.
	Enqueue(ctx context.Context, t task.Task) (bool, error)
	// Dequeue blocks briefly for the next task of taskType. It returns nil
	// when nothing arrived.
	Dequeue(ctx context.Context, consumer, taskType string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Requeue puts the task back with its attempt counter incremented. It is
	// not handed out again before delay has passed.
	Requeue(ctx context.Context, d *Delivery, delay time.Duration) error
	// MarkFailed removes the task for good and records it as failed.
	MarkFailed(ctx context.Context, d *Delivery, reason string) error
	// Reclaim takes over deliveries of taskType pending longer than minIdle.
	Reclaim(ctx context.Context, consumer, taskType string, minIdle time.Duration) ([]*Delivery, error)
	// Outstanding counts accepted tasks not yet acked or failed.
	Outstanding(ctx context.Context) (int64, error)
	Close() error
}
