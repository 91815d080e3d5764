package clientsync

import (
	"context"
	"sync"
	"time"
)

// Coalescer runs at most one pending task per key. Scheduling a key that is
// already pending replaces its payload but keeps the original deadline.
// Scheduling a key whose task is in flight queues the payload, and the
// latest queued payload runs as soon as the in-flight task returns.
type Coalescer[K comparable, V any] struct {
	delay time.Duration
	fire  func(ctx context.Context, key K, value V)
	ctx   context.Context

	mu     sync.Mutex
	tasks  map[K]*coalescedTask[V]
	closed bool
}

type coalescedTask[V any] struct {
	value   V
	pending bool
	running bool
	timer   *time.Timer
}

func NewCoalescer[K comparable, V any](ctx context.Context, delay time.Duration, fire func(ctx context.Context, key K, value V)) *Coalescer[K, V] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Coalescer[K, V]{
		delay: delay,
		fire:  fire,
		ctx:   ctx,
		tasks: map[K]*coalescedTask[V]{},
	}
}

func (c *Coalescer[K, V]) Schedule(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	task, ok := c.tasks[key]
	if !ok {
		task = &coalescedTask[V]{}
		c.tasks[key] = task
	}
	task.value = value
	task.pending = true
	if task.running || task.timer != nil {
		return true
	}
	task.timer = time.AfterFunc(c.delay, func() {
		c.run(key)
	})
	return true
}

// Pending reports whether key has a queued or in-flight task.
func (c *Coalescer[K, V]) Pending(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[key]
	return ok
}

func (c *Coalescer[K, V]) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks) == 0
}

func (c *Coalescer[K, V]) run(key K) {
	c.mu.Lock()
	task, ok := c.tasks[key]
	if !ok || task.running || !task.pending || c.closed {
		c.mu.Unlock()
		return
	}
	task.running = true
	if task.timer != nil {
		task.timer.Stop()
		task.timer = nil
	}
	for task.pending && !c.closed {
		value := task.value
		var zero V
		task.value = zero
		task.pending = false
		c.mu.Unlock()
		c.fire(c.ctx, key, value)
		c.mu.Lock()
	}
	task.running = false
	delete(c.tasks, key)
	c.mu.Unlock()
}

// Flush starts every pending task now and waits until no task is queued or
// in flight.
func (c *Coalescer[K, V]) Flush(ctx context.Context) error {
	c.mu.Lock()
	due := make([]K, 0, len(c.tasks))
	for key, task := range c.tasks {
		if !task.pending || task.running {
			continue
		}
		if task.timer != nil {
			task.timer.Stop()
			task.timer = nil
		}
		due = append(due, key)
	}
	c.mu.Unlock()
	for _, key := range due {
		go c.run(key)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drops every queued task. In-flight tasks finish on their own.
func (c *Coalescer[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, task := range c.tasks {
		if task.timer != nil {
			task.timer.Stop()
			task.timer = nil
		}
		if !task.running {
			delete(c.tasks, key)
		}
	}
}
