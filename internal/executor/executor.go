// Package executor implements the synchronous dispatch path (C9): run
// a task's workflow inline and return only once it has settled,
// for callers that can't tolerate the async queue/worker latency.
package executor

import (
	"context"
	"fmt"

	"github.com/contentforge/orchestrator/internal/runner"
	"github.com/contentforge/orchestrator/internal/task"
)

// Executor runs one task's workflow inline, on the calling goroutine.
type Executor struct {
	Tasks  task.Store
	Runner *runner.Runner
}

// New builds an Executor.
func New(tasks task.Store, r *runner.Runner) *Executor {
	return &Executor{Tasks: tasks, Runner: r}
}

// Run transitions t (which must currently be Pending) to Running under
// this process's own worker identity, then runs its workflow to
// completion or failure before returning.
func (e *Executor) Run(ctx context.Context, t task.Task) (task.Task, error) {
	claimed, err := e.Tasks.ClaimTaskByID(ctx, t.TaskID, "inline-executor", t.Version)
	if err != nil {
		return task.Task{}, fmt.Errorf("executor: claim task: %w", err)
	}
	return e.Runner.Run(ctx, claimed)
}
