package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"airbnb/scraper/internal/domain/task"
)

type queued struct {
	delivery  Delivery
	notBefore time.Time
}

type inflight struct {
	delivery  Delivery
	consumer  string
	claimedAt time.Time
}

// FailedDelivery is a task that MarkFailed removed from a MemoryQueue.
type FailedDelivery struct {
	Delivery Delivery
	Reason   string
}

// MemoryQueue is a single-process Queue with the same dedupe, pending and
// drain semantics as RedisQueue.
type MemoryQueue struct {
	mu          sync.Mutex
	seq         int64
	ready       map[string][]queued
	pending     map[string]*inflight
	seen        map[string]struct{}
	failed      []FailedDelivery
	outstanding int64
	notify      chan struct{}
	block       time.Duration
	now         func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:   make(map[string][]queued),
		pending: make(map[string]*inflight),
		seen:    make(map[string]struct{}),
		notify:  make(chan struct{}),
		block:   time.Second,
		now:     time.Now,
	}
}

// push must be called with mu held.
func (q *MemoryQueue) push(taskType string, data []byte, attempt int, notBefore time.Time) {
	q.seq++
	q.ready[taskType] = append(q.ready[taskType], queued{
		delivery: Delivery{
			ID:       fmt.Sprintf("%d-0", q.seq),
			TaskType: taskType,
			Data:     data,
			Attempt:  attempt,
		},
		notBefore: notBefore,
	})
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, t task.Task) (bool, error) {
	data, err := t.TaskValue()
	if err != nil {
		return false, fmt.Errorf("failed to serialize task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := t.TaskKey()
	if _, dup := q.seen[key]; dup {
		return false, nil
	}
	q.seen[key] = struct{}{}
	q.outstanding++
	q.push(t.TaskType(), data, 0, time.Time{})
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, consumer, taskType string) (*Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		q.mu.Lock()
		now := q.now()
		wake := time.Duration(-1)
		items := q.ready[taskType]
		for i, item := range items {
			if item.notBefore.After(now) {
				if until := item.notBefore.Sub(now); wake < 0 || until < wake {
					wake = until
				}
				continue
			}

			q.ready[taskType] = append(items[:i:i], items[i+1:]...)
			d := item.delivery
			q.pending[d.ID] = &inflight{delivery: d, consumer: consumer, claimedAt: now}
			q.mu.Unlock()
			return &d, nil
		}
		wait := q.notify
		q.mu.Unlock()

		// Wake up when the earliest delayed task becomes due.
		var due <-chan time.Time
		var dueTimer *time.Timer
		if wake >= 0 {
			dueTimer = time.NewTimer(wake)
			due = dueTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(dueTimer)
			return nil, ctx.Err()
		case <-timer.C:
			stopTimer(dueTimer)
			return nil, nil
		case <-wait:
		case <-due:
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// settle removes d from the pending set and reports whether it was there.
// Must be called with mu held.
func (q *MemoryQueue) settle(d *Delivery) bool {
	if _, ok := q.pending[d.ID]; !ok {
		return false
	}
	delete(q.pending, d.ID)
	return true
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.settle(d) {
		q.outstanding--
	}
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.settle(d) {
		var notBefore time.Time
		if delay > 0 {
			notBefore = q.now().Add(delay)
		}
		q.push(d.TaskType, d.Data, d.Attempt+1, notBefore)
	}
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.settle(d) {
		q.outstanding--
		q.failed = append(q.failed, FailedDelivery{Delivery: *d, Reason: reason})
	}
	return nil
}

func (q *MemoryQueue) Reclaim(_ context.Context, consumer, taskType string, minIdle time.Duration) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var claimed []*Delivery
	for _, p := range q.pending {
		if p.delivery.TaskType != taskType || now.Sub(p.claimedAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.claimedAt = now
		d := p.delivery
		claimed = append(claimed, &d)
	}
	return claimed, nil
}

func (q *MemoryQueue) Outstanding(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding, nil
}

// Failed returns the deliveries removed by MarkFailed, oldest first.
func (q *MemoryQueue) Failed() []FailedDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedDelivery(nil), q.failed...)
}

func (q *MemoryQueue) Close() error {
	return nil
}
