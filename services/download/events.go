package download

import (
	"sync"
	"time"
)

// EventBus fans task snapshots out to subscribers. Listeners are called
// synchronously in publish order and must not block.
type EventBus struct {
	mutex     sync.RWMutex
	nextID    int
	listeners map[int]func(Snapshot)
}

func NewEventBus() *EventBus {
	return &EventBus{listeners: map[int]func(Snapshot){}}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		delete(b.listeners, id)
	}
}

func (b *EventBus) Publish(task *Task) {
	if b == nil {
		return
	}
	snapshot := task.Snapshot()
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	for _, fn := range b.listeners {
		fn(snapshot)
	}
}

// TraceSink receives the timestamped diagnostic lines of a running task.
type TraceSink interface {
	Trace(taskID string, at time.Time, line string)
}

type TraceFunc func(taskID string, at time.Time, line string)

func (f TraceFunc) Trace(taskID string, at time.Time, line string) {
	f(taskID, at, line)
}
