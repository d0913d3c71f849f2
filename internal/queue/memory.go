package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker keeps tasks in process memory. Tasks do not survive a restart.
type MemoryBroker struct {
	mu        sync.Mutex
	ready     []string
	tasks     map[string]Task
	delayed   map[string]time.Time
	inflight  map[string]struct{}
	results   map[string]chan Result
	// abandoned holds tasks whose waiter gave up before the result arrived.
	abandoned map[string]struct{}
	wake      chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		tasks:     make(map[string]Task),
		delayed:   make(map[string]time.Time),
		inflight:  make(map[string]struct{}),
		results:   make(map[string]chan Result),
		abandoned: make(map[string]struct{}),
		wake:      make(chan struct{}),
	}
}

// broadcast wakes every blocked Pop. Callers hold mu.
func (b *MemoryBroker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) Push(_ context.Context, t Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks[t.ID] = t
	delete(b.delayed, t.ID)
	b.ready = append(b.ready, t.ID)
	b.broadcast()

	return nil
}

func (b *MemoryBroker) Schedule(_ context.Context, t Task, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tasks[t.ID] = t
	b.delayed[t.ID] = at

	return nil
}

func (b *MemoryBroker) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if len(b.ready) > 0 {
			id := b.ready[0]
			b.ready = b.ready[1:]
			t, ok := b.tasks[id]
			if !ok {
				b.mu.Unlock()
				continue
			}
			b.inflight[id] = struct{}{}
			b.mu.Unlock()
			return &t, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, t Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, t.ID)
	delete(b.tasks, t.ID)

	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, t Task, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, t.ID)
	b.tasks[t.ID] = t
	b.delayed[t.ID] = at

	return nil
}

func (b *MemoryBroker) PromoteDue(_ context.Context, now time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := make([]string, 0)
	for id, at := range b.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return b.delayed[due[i]].Before(b.delayed[due[j]])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, id := range due {
		delete(b.delayed, id)
		b.ready = append(b.ready, id)
	}
	if len(due) > 0 {
		b.broadcast()
	}

	return len(due), nil
}

func (b *MemoryBroker) Recover(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.inflight)
	for id := range b.inflight {
		b.ready = append(b.ready, id)
		delete(b.inflight, id)
	}
	if n > 0 {
		b.broadcast()
	}

	return n, nil
}

// resultChan returns the result channel of a task. Callers hold mu.
func (b *MemoryBroker) resultChan(id string) chan Result {
	ch, ok := b.results[id]
	if !ok {
		ch = make(chan Result, 1)
		b.results[id] = ch
	}
	return ch
}

func (b *MemoryBroker) PublishResult(_ context.Context, r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.abandoned[r.TaskID]; ok {
		delete(b.abandoned, r.TaskID)
		return nil
	}

	select {
	case b.resultChan(r.TaskID) <- r:
	default:
	}
	return nil
}

func (b *MemoryBroker) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (*Result, error) {
	b.mu.Lock()
	ch := b.resultChan(taskID)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		b.mu.Lock()
		delete(b.results, taskID)
		b.mu.Unlock()
		return &r, nil
	case <-timer.C:
		b.abandon(taskID, ch)
		return nil, ErrResultTimeout
	case <-ctx.Done():
		b.abandon(taskID, ch)
		return nil, ctx.Err()
	}
}

// abandon forgets a result nobody waits for anymore. A result that is
// already buffered is dropped, otherwise the late publish is.
func (b *MemoryBroker) abandon(taskID string, ch chan Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.results, taskID)
	select {
	case <-ch:
	default:
		b.abandoned[taskID] = struct{}{}
	}
}

// Pending reports the number of ready, delayed and in-flight tasks.
func (b *MemoryBroker) Pending() (ready, delayed, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), len(b.delayed), len(b.inflight)
}
