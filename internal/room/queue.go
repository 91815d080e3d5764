package room

import (
	"context"
	"sync"
)

// persistQueue holds room ids awaiting a snapshot save. A room id is queued
// at most once until a worker dequeues it. Ids that arrive while the channel
// is full wait in deferred and move into the channel as workers drain it.
type persistQueue struct {
	ch       chan string
	mu       sync.Mutex
	pending  map[string]struct{}
	deferred map[string]struct{}
	order    []string
}

// QueueStats is a point-in-time view of the persist queue.
type QueueStats struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
	Deferred int `json:"deferred"`
}

func newPersistQueue(capacity int) *persistQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &persistQueue{
		ch:       make(chan string, capacity),
		pending:  map[string]struct{}{},
		deferred: map[string]struct{}{},
	}
}

// TryEnqueue reports false when the room had to be deferred. A deferred
// room is still saved once a worker frees a slot.
func (q *persistQueue) TryEnqueue(roomID string) bool {
	if q == nil || roomID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[roomID]; ok {
		return true
	}
	if _, ok := q.deferred[roomID]; ok {
		return false
	}
	select {
	case q.ch <- roomID:
		q.pending[roomID] = struct{}{}
		return true
	default:
		q.deferred[roomID] = struct{}{}
		q.order = append(q.order, roomID)
		return false
	}
}

func (q *persistQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case roomID := <-q.ch:
		q.mu.Lock()
		delete(q.pending, roomID)
		q.promoteLocked()
		q.mu.Unlock()
		return roomID, true
	case <-ctx.Done():
		return "", false
	}
}

// promoteLocked moves deferred ids into the channel, oldest first, while
// there is room. Callers hold mu.
func (q *persistQueue) promoteLocked() {
	for len(q.order) > 0 {
		roomID := q.order[0]
		select {
		case q.ch <- roomID:
		default:
			return
		}
		q.order = q.order[1:]
		delete(q.deferred, roomID)
		q.pending[roomID] = struct{}{}
	}
}

func (q *persistQueue) Stats() QueueStats {
	if q == nil {
		return QueueStats{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Depth: len(q.ch), Capacity: cap(q.ch), Deferred: len(q.deferred)}
}
