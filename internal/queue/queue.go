// Package queue provides the bounded priority queues feeding the spend
// controller's worker pool. Intake is non-blocking: a full queue rejects
// immediately so backpressure is visible to callers instead of silently
// absorbed.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fortifi/backend/internal/core"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue is at capacity")

// Item wraps a transaction with its scheduling priority. Lower Priority
// values dequeue first; Seq breaks ties in arrival order.
type Item struct {
	Tx       *core.Transaction
	Priority int
	seq      uint64
}

// ============================================================================
// PRIORITY HEAP
// ============================================================================

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// ============================================================================
// BOUNDED PRIORITY QUEUE
// ============================================================================

// PriorityQueue is a capacity-bounded priority queue. Enqueue never
// blocks; Dequeue blocks until an item arrives, the poll timeout
// elapses, or the context is cancelled.
type PriorityQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64
	notify   chan struct{}

	enqueued uint64
	dequeued uint64
	rejected uint64
}

// NewPriorityQueue creates a queue holding at most capacity items.
func NewPriorityQueue(capacity int) *PriorityQueue {
	return &PriorityQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue inserts tx with the given priority. Returns ErrQueueFull when
// the queue already holds capacity items.
func (q *PriorityQueue) Enqueue(tx *core.Transaction, priority int) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.rejected++
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, &Item{Tx: tx, Priority: priority, seq: q.seq})
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority item. It returns
// (nil, nil) when pollTimeout elapses with the queue empty, and
// ctx.Err() on cancellation.
func (q *PriorityQueue) Dequeue(ctx context.Context, pollTimeout time.Duration) (*Item, error) {
	deadline := time.NewTimer(pollTimeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*Item)
			q.dequeued++
			q.mu.Unlock()
			return it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

// TryDequeue removes the highest-priority item without blocking.
func (q *PriorityQueue) TryDequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*Item)
	q.dequeued++
	return it
}

// Len returns the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *PriorityQueue) Capacity() int { return q.capacity }

// Stats returns queue counters for the monitoring endpoint.
func (q *PriorityQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"depth":    len(q.items),
		"capacity": q.capacity,
		"enqueued": q.enqueued,
		"dequeued": q.dequeued,
		"rejected": q.rejected,
	}
}

// ============================================================================
// EMERGENCY QUEUE
// ============================================================================

// EmergencyQueue is a small bounded FIFO for transactions that bypass
// priority ordering entirely.
type EmergencyQueue struct {
	ch chan *core.Transaction

	mu       sync.Mutex
	enqueued uint64
	rejected uint64
}

// NewEmergencyQueue creates an emergency FIFO with the given capacity.
func NewEmergencyQueue(capacity int) *EmergencyQueue {
	return &EmergencyQueue{ch: make(chan *core.Transaction, capacity)}
}

// Enqueue inserts tx, returning ErrQueueFull when the FIFO is full.
func (q *EmergencyQueue) Enqueue(tx *core.Transaction) error {
	select {
	case q.ch <- tx:
		q.mu.Lock()
		q.enqueued++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.rejected++
		q.mu.Unlock()
		return ErrQueueFull
	}
}

// Dequeue blocks until a transaction arrives or ctx is cancelled.
func (q *EmergencyQueue) Dequeue(ctx context.Context) (*core.Transaction, error) {
	select {
	case tx := <-q.ch:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the current depth.
func (q *EmergencyQueue) Len() int { return len(q.ch) }

// Stats returns counters for the monitoring endpoint.
func (q *EmergencyQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"depth":    len(q.ch),
		"capacity": cap(q.ch),
		"enqueued": q.enqueued,
		"rejected": q.rejected,
	}
}
