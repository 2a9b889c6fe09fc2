package download

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"novelfetch/internal/assert"

	"golang.org/x/sync/semaphore"
)

var ErrTaskNotFound = errors.New("task not found")

const DefaultParallelism = 2

// Queue runs download tasks on a bounded number of workers and exposes the
// pause, resume, cancel and retry controls of each task.
type Queue struct {
	orch  *Orchestrator
	ctx   context.Context
	slots *semaphore.Weighted
	wg    sync.WaitGroup

	mutex   sync.Mutex
	tasks   map[string]*Task
	order   []string
	cancels map[string]context.CancelFunc
}

func NewQueue(ctx context.Context, orch *Orchestrator, parallelism int) *Queue {
	assert.NotNil("ctx", ctx)
	assert.NotNil("orchestrator", orch)
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Queue{
		orch:    orch,
		ctx:     ctx,
		slots:   semaphore.NewWeighted(int64(parallelism)),
		tasks:   map[string]*Task{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Enqueue creates a task for req and schedules it.
func (q *Queue) Enqueue(req Request) Snapshot {
	task := NewTask(req)

	q.mutex.Lock()
	q.tasks[task.ID()] = task
	q.order = append(q.order, task.ID())
	q.mutex.Unlock()

	q.orch.bus.Publish(task)
	snapshot := task.Snapshot()
	q.submit(task)
	return snapshot
}

func (q *Queue) submit(task *Task) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		err := q.slots.Acquire(q.ctx, 1)
		if err != nil {
			task.RequestCancel()
			if task.Status() == Queued {
				q.orch.transition(task, Downloading)
			}
			q.orch.transition(task, Cancelled)
			return
		}
		defer q.slots.Release(1)

		ctx, cancel := context.WithCancel(q.ctx)
		q.mutex.Lock()
		q.cancels[task.ID()] = cancel
		q.mutex.Unlock()

		defer func() {
			q.mutex.Lock()
			delete(q.cancels, task.ID())
			q.mutex.Unlock()
			cancel()
		}()

		q.orch.Run(ctx, task)
	}()
}

func (q *Queue) get(id string) (*Task, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// Pause asks a downloading task to stop after its current chapter.
func (q *Queue) Pause(id string) error {
	task, err := q.get(id)
	if err != nil {
		return err
	}
	status := task.Status()
	if !CanTransition(status, Paused) {
		return &IllegalTransitionError{From: status, To: Paused}
	}
	task.RequestPause()
	return nil
}

// Resume continues a paused task. Chapters that are already done are skipped.
func (q *Queue) Resume(id string) error {
	task, err := q.get(id)
	if err != nil {
		return err
	}
	err = task.resume(q.orch.clock.Now())
	if err != nil {
		return err
	}
	q.orch.tracef(task, "status %s", Downloading)
	q.orch.bus.Publish(task)
	q.submit(task)
	return nil
}

// Cancel stops a task. A paused task is cancelled immediately, a queued or
// running one at its next chapter boundary.
func (q *Queue) Cancel(id string) error {
	task, err := q.get(id)
	if err != nil {
		return err
	}
	status := task.Status()
	if status.Terminal() {
		return &IllegalTransitionError{From: status, To: Cancelled}
	}
	task.RequestCancel()

	q.mutex.Lock()
	cancel, running := q.cancels[id]
	q.mutex.Unlock()
	if running {
		cancel()
		return nil
	}
	if status == Paused {
		err := task.TransitionTo(Cancelled, q.orch.clock.Now())
		if err != nil {
			// the task was resumed in the meantime and will stop on its own
			return nil
		}
		q.orch.bus.Publish(task)
	}
	return nil
}

// Retry requeues a failed or cancelled task.
func (q *Queue) Retry(id string) error {
	task, err := q.get(id)
	if err != nil {
		return err
	}
	err = task.ResetForRetry(q.orch.clock.Now())
	if err != nil {
		return err
	}
	q.orch.bus.Publish(task)
	q.submit(task)
	return nil
}

func (q *Queue) Task(id string) (Snapshot, error) {
	task, err := q.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return task.Snapshot(), nil
}

// Tasks returns a snapshot of every task in the order they were enqueued.
func (q *Queue) Tasks() []Snapshot {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]Snapshot, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id].Snapshot())
	}
	return out
}

// Wait blocks until no task is running or waiting for a worker.
func (q *Queue) Wait() {
	q.wg.Wait()
}
