// Package worker implements the worker pool (C12): a fixed set of
// goroutines that pull jobs from the queue (C10), claim the
// corresponding task, run its workflow via internal/runner, and
// shut down cooperatively rather than abandoning in-flight work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/contentforge/orchestrator/internal/queue"
	"github.com/contentforge/orchestrator/internal/runner"
	"github.com/contentforge/orchestrator/internal/task"
)

// Pool runs Concurrency workers pulling from Queue.
type Pool struct {
	IDPrefix    string
	Concurrency int
	Limiter     *rate.Limiter
	Tasks       task.Store
	Queue       queue.Backend
	Runner      *runner.Runner
	OnJobError  func(workerID string, job queue.Job, err error) // optional, for logging

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Start launches Concurrency worker goroutines against ctx. Call Stop
// (or cancel a derived context passed by the caller) to request
// shutdown, then Wait for the in-flight jobs to finish.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("%s-%d", p.IDPrefix, i)
		p.wg.Add(1)
		go p.loop(runCtx, workerID)
	}
}

// Stop requests that every worker finish its current job and exit
// without pulling another. It does not block; call Wait to join.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return
			}
		}

		job, err := p.Queue.Pop(ctx)
		if err != nil {
			return // context cancelled or queue closed: shut down cleanly
		}

		if err := p.process(ctx, workerID, job); err != nil && p.OnJobError != nil {
			p.OnJobError(workerID, job, err)
		}
	}
}

// process claims job's task and runs it to completion. A claim failure
// (another worker already has it, or it was cancelled) is not an
// error worth surfacing — it's the normal outcome of at-least-once
// delivery racing another worker.
func (p *Pool) process(ctx context.Context, workerID string, job queue.Job) error {
	current, err := p.Tasks.FindByID(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("worker: find task: %w", err)
	}
	if current.Status != task.StatusPending {
		return nil
	}

	claimed, err := p.Tasks.ClaimTaskByID(ctx, job.TaskID, workerID, current.Version)
	if err != nil {
		if errors.Is(err, task.ErrVersionConflict) || errors.Is(err, task.ErrIllegalTransition) {
			return nil
		}
		return fmt.Errorf("worker: claim task: %w", err)
	}

	_, err = p.Runner.Run(ctx, claimed)
	return err
}
