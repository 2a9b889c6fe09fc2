// Package sourcelock serializes work addressed to the same source so a source
// that rate-limits or session-locks is never hit by competing operations at once.
package sourcelock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue holds one lock per source id, created on first use.
type Queue struct {
	mutex sync.Mutex
	locks map[int]*semaphore.Weighted
}

func New() *Queue {
	return &Queue{locks: map[int]*semaphore.Weighted{}}
}

func (q *Queue) lock(sourceID int) *semaphore.Weighted {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	l, ok := q.locks[sourceID]
	if !ok {
		l = semaphore.NewWeighted(1)
		q.locks[sourceID] = l
	}
	return l
}

// Do runs fn with exclusive access to sourceID. Waiting for the lock gives up
// when ctx is done. Unrelated source ids do not block each other.
func (q *Queue) Do(ctx context.Context, sourceID int, fn func(ctx context.Context) error) error {
	l := q.lock(sourceID)
	err := l.Acquire(ctx, 1)
	if err != nil {
		return err
	}
	defer l.Release(1)
	return fn(ctx)
}

// Len is the number of source ids that have a lock.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.locks)
}

// Reset forgets every lock. Work already holding a lock finishes undisturbed.
func (q *Queue) Reset() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.locks = map[int]*semaphore.Weighted{}
}
