package async

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/bibexport/db"
	"github.com/teranos/bibexport/errors"
)

const (
	// MaxJobsLimit is the maximum number of jobs that can wait in the queue
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("queue closed")

// Task is the work of one job. It runs on the queue's goroutine with the
// queue's context.
type Task func(ctx context.Context) (Result, error)

type entry struct {
	job    *Job
	task   Task
	future *Future
}

// Queue executes tasks one at a time in FIFO order
type Queue struct {
	mu          sync.RWMutex
	pending     []*entry
	running     *Job
	closed      bool
	subscribers []chan *Job // Channels to notify of job updates

	store   *Store // optional job history
	logger  *zap.SugaredLogger
	wake    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQueue starts a queue. store may be nil to skip job history.
func NewQueue(store *Store, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:   store,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.loop()
	return q
}

// Enqueue appends a job and returns its future
func (q *Queue) Enqueue(job *Job, task Task) (*Future, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.WithDetail(ErrQueueClosed, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if len(q.pending) >= MaxJobsLimit {
		q.mu.Unlock()
		err := errors.Newf("queue is full (%d jobs)", MaxJobsLimit)
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return nil, err
	}

	e := &entry{job: job, task: task, future: newFuture()}
	q.pending = append(q.pending, e)
	if q.store != nil {
		if err := q.store.CreateJob(job); err != nil {
			q.historyFailed("Failed to record job", job, err)
		}
	}
	q.notifySubscribers(job)
	q.mu.Unlock()

	q.signal()
	return e.future, nil
}

// Queued returns the number of jobs waiting behind the running one
func (q *Queue) Queued() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// Running returns a snapshot of the job being executed, or nil
func (q *Queue) Running() *Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.running == nil {
		return nil
	}
	snapshot := *q.running
	return &snapshot
}

// Close stops accepting jobs and waits for the queued ones to finish. When
// ctx ends first, the queue context is cancelled so remaining tasks bail out
// early, and Close still waits for the loop to exit.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()

	select {
	case <-q.stopped:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.stopped
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving a snapshot of every job transition
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// REQUIRES: q.mu must be held by caller.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		e, ok := q.next()
		if !ok {
			return
		}
		q.run(e)
	}
}

// next blocks until a job is available; false once closed and drained
func (q *Queue) next() (*entry, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			e.job.Start()
			q.running = e.job
			q.record(e.job)
			q.notifySubscribers(e.job)
			q.mu.Unlock()
			return e, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *Queue) run(e *entry) {
	res, err := q.execute(e)

	q.mu.Lock()
	switch {
	case err != nil:
		e.job.Fail(err)
	case res.Canceled:
		e.job.Cancel()
	default:
		e.job.Complete()
	}
	q.running = nil
	q.record(e.job)
	q.notifySubscribers(e.job)
	q.mu.Unlock()

	e.future.resolve(res, err)

	q.logger.Debugw("Job finished",
		"job_id", e.job.ID,
		"status", e.job.Status,
		"duration_ms", e.job.Duration().Milliseconds(),
	)
}

// execute runs the task; a panic fails the job instead of the queue
func (q *Queue) execute(e *entry) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job %s panicked: %v", e.job.ID, r)
			q.logger.Errorw("Job panicked", "job_id", e.job.ID, "panic", r)
		}
	}()
	return e.task(q.ctx)
}

// record persists a transition. REQUIRES: q.mu held.
func (q *Queue) record(job *Job) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateJob(job); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		q.historyFailed("Failed to update job history", job, err)
	}
}

// historyFailed logs a history write failure. A database closed during
// shutdown only loses bookkeeping, so it is logged at debug level.
func (q *Queue) historyFailed(msg string, job *Job, err error) {
	if db.IsDatabaseClosed(err) {
		q.logger.Debugw(msg+", database closed", "job_id", job.ID, "status", job.Status)
		return
	}
	q.logger.Warnw(msg, "job_id", job.ID, "error", err)
}
