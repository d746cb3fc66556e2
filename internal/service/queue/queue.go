// Package queue runs a session's agent jobs one at a time on a worker
// goroutine so the intake never waits for a run.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"agent_runtime/pkg/logging"
)

// ErrFull is returned when the job buffer has no room.
var ErrFull = errors.New("queue is full")

// ErrStopped is returned when enqueueing after Stop.
var ErrStopped = errors.New("queue is stopped")

// Kind says what a job asks the agent to do.
type Kind string

const (
	KindQuery  Kind = "query"
	KindEdit   Kind = "edit"
	KindResume Kind = "resume"
)

// Job is one request for the agent.
type Job struct {
	Kind        Kind
	Instruction string
	Files       []string
}

// Handler handles a job.
type Handler func(context.Context, Job) error

// Queue runs jobs with worker goroutines.
type Queue struct {
	jobs    chan Job
	handler Handler
	wg      sync.WaitGroup

	// inflight counts jobs enqueued but not yet finished.
	inflight atomic.Int64

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New creates a queue holding up to size waiting jobs.
func New(size int, handler Handler) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		handler: handler,
	}
}

// Start launches workers. Sessions use a single worker so runs stay ordered.
func (q *Queue) Start(ctx context.Context, workerCount int) {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	log := logging.FromContext(ctx)
	for i := 0; i < workerCount; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					if err := q.handler(ctx, job); err != nil {
						log.Warn("job failed", "kind", job.Kind, "error", err)
						var runErr *logging.RunError
						if errors.As(err, &runErr) {
							log.Debug("job failure stack", "kind", job.Kind, "step", runErr.Step, "stack", runErr.Stack)
						}
					}
					q.inflight.Add(-1)
				}
			}
		}()
	}
}

// Stop cancels the workers and waits for the running job to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a job to the queue.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	q.inflight.Add(1)
	select {
	case q.jobs <- job:
		return nil
	default:
		q.inflight.Add(-1)
		return ErrFull
	}
}

// Busy reports whether a job is queued or running.
func (q *Queue) Busy() bool {
	return q.inflight.Load() > 0
}
