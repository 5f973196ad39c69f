// Package tasks runs deferred, fire-and-forget work (workspace cleanup,
// metrics persistence) on detached workers. A task's failure or panic is
// logged and never reaches whoever scheduled it.
package tasks

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("task queue closed")

// Func is a unit of deferred work.
type Func func(ctx context.Context) error

type task struct {
	name string
	due  time.Time
	seq  uint64
	fn   Func
}

// Queue holds scheduled tasks ordered by due time. A single dispatcher hands
// due tasks to a fixed set of executors.
type Queue struct {
	mu      sync.Mutex
	pending taskHeap
	seq     uint64
	closed  bool

	wake  chan struct{}
	ready chan *task
	stop  chan struct{}

	dispatcherDone chan struct{}
	executors      sync.WaitGroup
	inflight       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue starts the dispatcher and workers executor goroutines.
func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		wake:           make(chan struct{}, 1),
		ready:          make(chan *task),
		stop:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	for w := 0; w < workers; w++ {
		q.executors.Add(1)
		go q.execute()
	}
	go q.dispatch()
	return q
}

// Schedule queues fn to run after delay.
func (q *Queue) Schedule(name string, delay time.Duration, fn Func) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: cannot schedule %s", ErrClosed, name)
	}
	q.seq++
	heap.Push(&q.pending, &task{name: name, due: time.Now().Add(delay), seq: q.seq, fn: fn})
	q.inflight.Add(1)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Go queues fn to run as soon as an executor is free.
func (q *Queue) Go(name string, fn Func) error {
	return q.Schedule(name, 0, fn)
}

// Pending returns the number of tasks that have not started yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) dispatch() {
	defer close(q.dispatcherDone)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var next *task
		wait := time.Hour
		if q.pending.Len() > 0 {
			head := q.pending[0]
			if d := time.Until(head.due); d <= 0 {
				next = heap.Pop(&q.pending).(*task)
			} else {
				wait = d
			}
		}
		q.mu.Unlock()

		if next != nil {
			select {
			case q.ready <- next:
			case <-q.stop:
				q.requeue(next)
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) requeue(t *task) {
	q.mu.Lock()
	heap.Push(&q.pending, t)
	q.mu.Unlock()
}

func (q *Queue) execute() {
	defer q.executors.Done()
	for t := range q.ready {
		q.run(t)
	}
}

func (q *Queue) run(t *task) {
	defer q.inflight.Done()
	entry := log.WithField("task", t.name)
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("Deferred task panicked: %v", r)
		}
	}()

	start := time.Now()
	if err := t.fn(q.ctx); err != nil {
		entry.WithError(err).Warn("Deferred task failed")
		return
	}
	entry.Debugf("Deferred task finished in %s", time.Since(start).Round(time.Millisecond))
}

// Close stops accepting work, runs everything still pending regardless of
// its due time, and waits for it to finish or for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.dispatcherDone

	q.mu.Lock()
	remaining := make([]*task, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		remaining = append(remaining, heap.Pop(&q.pending).(*task))
	}
	q.mu.Unlock()

	if len(remaining) > 0 {
		log.Infof("Running %d deferred task(s) before shutdown", len(remaining))
	}
	go func() {
		for _, t := range remaining {
			q.ready <- t
		}
		close(q.ready)
	}()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		q.executors.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("waiting for deferred tasks: %w", ctx.Err())
	}
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
