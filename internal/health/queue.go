package health

import (
	"context"
	"sync"
)

// Queue is a FIFO of deferred registrations.
type Queue interface {
	// Enqueue appends an entry and returns its 1-based position.
	Enqueue(ctx context.Context, r QueuedRegistration) (int, error)
	// List returns all entries, oldest first, without removing them.
	List(ctx context.Context) ([]QueuedRegistration, error)
	// Peek returns the oldest entry without removing it, or ErrQueueEmpty.
	Peek(ctx context.Context) (QueuedRegistration, error)
	// Pop removes the oldest entry. It returns ErrQueueEmpty when there is none.
	Pop(ctx context.Context) (QueuedRegistration, error)
	// Clear removes every entry and returns how many there were.
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue keeps entries in process memory; they are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []QueuedRegistration
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, r QueuedRegistration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, r)
	return len(q.entries), nil
}

func (q *MemoryQueue) List(_ context.Context) ([]QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedRegistration(nil), q.entries...), nil
}

func (q *MemoryQueue) Peek(_ context.Context) (QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueuedRegistration{}, ErrQueueEmpty
	}
	return q.entries[0], nil
}

func (q *MemoryQueue) Pop(_ context.Context) (QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueuedRegistration{}, ErrQueueEmpty
	}
	head := q.entries[0]
	q.entries[0] = QueuedRegistration{}
	q.entries = q.entries[1:]
	return head, nil
}

func (q *MemoryQueue) Clear(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
