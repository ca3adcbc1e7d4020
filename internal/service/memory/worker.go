package memory

import (
	"context"
	"sync"

	"github.com/engramlabs/engram/pkg/log"
)

const workerQueueDepth = 16

type job struct {
	name string
	run  func(ctx context.Context) error
}

type worker struct {
	jobs    chan job
	pending sync.WaitGroup
}

// Queue defers feedback evaluation and consolidation off the turn's
// critical path while keeping them strictly ordered per conversation:
// each conversation gets its own single-consumer goroutine, never a
// shared pool that could reorder work. Wait gives the engine
// read-after-write consistency before the next turn assembles.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
}

func NewQueue(ctx context.Context) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	return &Queue{
		workers: make(map[string]*worker),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Enqueue schedules fn on the conversation's worker. Job errors are
// logged, not returned: background failures must never fail the turn
// that scheduled them.
func (q *Queue) Enqueue(conversationID, name string, fn func(ctx context.Context) error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	w := q.workers[conversationID]
	if w == nil {
		w = &worker{jobs: make(chan job, workerQueueDepth)}
		q.workers[conversationID] = w
		go q.drain(conversationID, w)
	}
	w.pending.Add(1)
	q.mu.Unlock()

	w.jobs <- job{name: name, run: fn}
}

func (q *Queue) drain(conversationID string, w *worker) {
	logger := log.FromCtx(q.baseCtx)
	for j := range w.jobs {
		if err := j.run(q.baseCtx); err != nil {
			logger.Error().Err(err).
				Str("conversation", conversationID).
				Str("job", j.name).
				Msg("background job failed")
		}
		w.pending.Done()
	}
}

// Wait blocks until every job already enqueued for the conversation
// has finished. Callers enqueue and wait from the same goroutine, so
// the waitgroup counter cannot race with new work.
func (q *Queue) Wait(conversationID string) {
	q.mu.Lock()
	w := q.workers[conversationID]
	q.mu.Unlock()

	if w != nil {
		w.pending.Wait()
	}
}

// Close stops accepting work, cancels in-flight jobs and waits for
// the workers to drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	workers := make([]*worker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	q.cancel()
	for _, w := range workers {
		w.pending.Wait()
		close(w.jobs)
	}
	return nil
}
