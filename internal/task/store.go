package task

import "context"

// Store is the Task Store contract (C1). Every mutating method is
// optimistic-lock protected: callers pass the version they last read,
// and the store rejects the write with ErrVersionConflict if the row
// has moved on since.
type Store interface {
	// CreateTask inserts a new task. If t.IdempotencyKey is set and
	// already in use, returns the existing task and
	// ErrDuplicateIdempotencyKey so callers can treat creation as a
	// no-op retry.
	CreateTask(ctx context.Context, t Task) (Task, error)

	// FindByID returns a task by its ID, or ErrNotFound.
	FindByID(ctx context.Context, taskID string) (Task, error)

	// FindByIdempotencyKey returns a task by its idempotency key, or
	// ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (Task, error)

	// FindMany lists tasks matching filter, ordered by priority
	// descending then created_at ascending.
	FindMany(ctx context.Context, f Filter) ([]Task, error)

	// Count returns the number of tasks matching filter.
	Count(ctx context.Context, f Filter) (int, error)

	// GetPendingTasks returns up to limit pending tasks ordered by
	// priority descending then created_at ascending — the order a
	// scheduler should offer them to workers in.
	GetPendingTasks(ctx context.Context, limit int) ([]Task, error)

	// ClaimTask atomically transitions the highest-priority pending
	// task to Running and assigns workerID, returning it. Returns
	// ErrNoPendingTask if nothing is claimable. Used by pull-based
	// workers that aren't handed a specific task_id.
	ClaimTask(ctx context.Context, workerID string) (Task, error)

	// ClaimTaskByID attempts to claim a specific task (as delivered by
	// a queue job), requiring status Pending and the expected version.
	// Returns ErrVersionConflict or ErrIllegalTransition if another
	// worker already claimed it or cancelled it — callers must treat
	// both as "someone else owns this task now" and exit without
	// mutating further, per the at-least-once delivery contract.
	ClaimTaskByID(ctx context.Context, taskID, workerID string, expectedVersion int64) (Task, error)

	// UpdateStatus moves a task to a new status, enforcing the
	// transition matrix and the expected version.
	UpdateStatus(ctx context.Context, taskID string, expectedVersion int64, to Status) (Task, error)

	// UpdateCurrentStep records which workflow node a running task is
	// on, bumping its version.
	UpdateCurrentStep(ctx context.Context, taskID string, expectedVersion int64, step string) (Task, error)

	// IncrementRetryCount bumps either the text or image retry counter
	// and returns the updated task.
	IncrementRetryCount(ctx context.Context, taskID string, expectedVersion int64, kind RetryKind) (Task, error)

	// SaveStateSnapshot persists the task's current workflow state for
	// checkpoint/resume, bumping its version.
	SaveStateSnapshot(ctx context.Context, taskID string, expectedVersion int64, snapshot []byte) (Task, error)

	// MarkCompleted transitions a task to Completed, recording cost and
	// token usage.
	MarkCompleted(ctx context.Context, taskID string, expectedVersion int64, tokensUsed int64, costUSD float64) (Task, error)

	// MarkFailed transitions a task to Failed, recording the error.
	MarkFailed(ctx context.Context, taskID string, expectedVersion int64, errMsg string) (Task, error)

	// ReleaseWorker clears a task's worker assignment and moves it to
	// Waiting, for cooperative suspension (e.g. graceful worker
	// shutdown); Running can only transition to Waiting per the status
	// matrix, not back to Pending.
	ReleaseWorker(ctx context.Context, taskID string, expectedVersion int64) (Task, error)

	// SoftDelete marks a task as deleted without removing its row
	// (results/audit history remain queryable by task_id).
	SoftDelete(ctx context.Context, taskID string) error
}

// RetryKind distinguishes the two rewrite-loop counters the workflow
// nodes drive independently.
type RetryKind string

const (
	RetryKindText  RetryKind = "text"
	RetryKindImage RetryKind = "image"
)
