// Package queue implements the in-process priority + delay job queue
// (C10) the dispatch layer's async path feeds and the worker pool (C12)
// drains. The heap ordering is the same container/heap pattern the
// workflow engine's execution frontier uses (graph.Frontier), adapted
// here for job delay semantics a work-item frontier doesn't need.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentforge/orchestrator/internal/task"
)

// ErrClosed is returned by Push/Pop once Close has been called.
var ErrClosed = errors.New("queue: closed")

// Job is a single unit of queued work: a reference to a task row, not
// the task payload itself — the worker re-reads the task from the
// Task Store (C1) at claim time so the queue never goes stale relative
// to the system of record.
type Job struct {
	JobID      string
	TaskID     string
	Priority   task.Priority
	EnqueuedAt time.Time
	NotBefore  time.Time // zero means immediately ready
	Attempts   int
}

func (j Job) ready(now time.Time) bool {
	return j.NotBefore.IsZero() || !j.NotBefore.After(now)
}

// jobHeap orders ready jobs by priority (descending) then age
// (ascending), and orders not-yet-ready jobs ahead of ready ones only
// by how soon they become ready — so Peek/Pop always surface whichever
// job the caller should act on next.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	now := time.Now()
	ri, rj := h[i].ready(now), h[j].ready(now)
	if ri != rj {
		return ri // ready jobs sort before not-yet-ready ones
	}
	if !ri {
		return h[i].NotBefore.Before(h[j].NotBefore)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(Job)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Stats is a point-in-time snapshot of queue depth and throughput.
type Stats struct {
	Depth         int
	TotalEnqueued int64
	TotalDequeued int64
	Paused        bool
}

// Queue is the priority + delay job queue. Safe for concurrent use by
// many producers and many consumers.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   jobHeap
	paused bool
	closed bool

	totalEnqueued int64
	totalDequeued int64
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{heap: make(jobHeap, 0)}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.heap)
	return q
}

// Backend is what the scheduler (C11) and worker pool (C12) depend on,
// so either the in-process Queue or the Redis-backed RedisQueue can
// sit behind it.
type Backend interface {
	AddTask(ctx context.Context, taskID string, priority task.Priority) (Job, error)
	AddDelayedTask(ctx context.Context, taskID string, priority task.Priority, notBefore time.Time) (Job, error)
	Pop(ctx context.Context) (Job, error)
}

// AddTask enqueues taskID for immediate delivery at priority.
func (q *Queue) AddTask(ctx context.Context, taskID string, priority task.Priority) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	return q.enqueue(taskID, priority, time.Time{})
}

// AddDelayedTask enqueues taskID to become claimable only once notBefore
// has passed (the scheduler's scheduled/deferred-run path).
func (q *Queue) AddDelayedTask(ctx context.Context, taskID string, priority task.Priority, notBefore time.Time) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	return q.enqueue(taskID, priority, notBefore)
}

// AddBatchTasks enqueues many immediate jobs as a single critical
// section, so a batch submission is never interleaved with an
// unrelated producer's jobs mid-insert.
func (q *Queue) AddBatchTasks(ctx context.Context, taskIDs []string, priority task.Priority) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	now := time.Now()
	jobs := make([]Job, 0, len(taskIDs))
	for _, id := range taskIDs {
		j := Job{JobID: uuid.NewString(), TaskID: id, Priority: priority, EnqueuedAt: now}
		heap.Push(&q.heap, j)
		jobs = append(jobs, j)
	}
	q.totalEnqueued += int64(len(jobs))
	q.mu.Unlock()
	q.cond.Broadcast()
	return jobs, nil
}

func (q *Queue) enqueue(taskID string, priority task.Priority, notBefore time.Time) (Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, ErrClosed
	}
	j := Job{
		JobID:      uuid.NewString(),
		TaskID:     taskID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		NotBefore:  notBefore,
	}
	heap.Push(&q.heap, j)
	q.totalEnqueued++
	q.mu.Unlock()
	q.cond.Broadcast()
	return j, nil
}

// Pop blocks until a ready job is available, the queue is paused and
// then never resumed before ctx is done, or ctx is cancelled. It wakes
// at most once per NotBefore deadline rather than busy-polling.
func (q *Queue) Pop(ctx context.Context) (Job, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		if q.closed {
			return Job{}, ErrClosed
		}
		if !q.paused && q.heap.Len() > 0 {
			now := time.Now()
			next := q.heap[0]
			if next.ready(now) {
				job := heap.Pop(&q.heap).(Job)
				q.totalDequeued++
				return job, nil
			}
			q.waitUntil(next.NotBefore)
			continue
		}
		q.cond.Wait()
	}
}

// waitUntil releases the lock until deadline passes or the condition is
// otherwise signaled (push, resume, close, or ctx cancellation via the
// Pop goroutine above).
func (q *Queue) waitUntil(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		q.cond.Broadcast()
	})
	defer timer.Stop()
	q.cond.Wait()
}

// Pause stops Pop from returning new jobs until Resume is called;
// already-blocked Pop calls keep waiting.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume reverses Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain removes and returns every job currently in the queue without
// blocking, for graceful shutdown (handing unclaimed jobs back to the
// scheduler) and tests.
func (q *Queue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(Job))
	}
	return out
}

// Close marks the queue closed: pending Pop calls return ErrClosed and
// future AddTask/AddDelayedTask/AddBatchTasks calls do too.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stats returns a snapshot of queue depth and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:         q.heap.Len(),
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		Paused:        q.paused,
	}
}
