// Package scheduler implements task scheduling and cancellation (C11):
// validating a caller's content-creation request, creating its Task
// Store row idempotently, and — for async tasks — handing it to the
// job queue (C10) for the worker pool to pick up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/contentforge/orchestrator/internal/queue"
	"github.com/contentforge/orchestrator/internal/task"
)

// ErrInvalidRequest wraps every request validation failure so callers
// (the HTTP API) can map it to a 400 regardless of which rule failed.
var ErrInvalidRequest = errors.New("scheduler: invalid request")

var imageSizePattern = regexp.MustCompile(`^\d+x\d+$`)

// Request is the caller-facing content-creation brief; it mirrors
// task.Request plus the fields that live alongside it on the Task row.
type Request struct {
	IdempotencyKey string
	UserID         string
	Topic          string
	Priority       task.Priority
	Body           task.Request
}

func validate(r Request) error {
	if r.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if r.Body.Requirements == "" {
		return fmt.Errorf("%w: requirements is required", ErrInvalidRequest)
	}
	switch r.Body.Mode {
	case "", task.ModeSync, task.ModeAsync:
	default:
		return fmt.Errorf("%w: mode must be %q or %q", ErrInvalidRequest, task.ModeSync, task.ModeAsync)
	}
	hc := r.Body.HardConstraint
	if hc.MinWords > 0 && hc.MaxWords > 0 && hc.MinWords > hc.MaxWords {
		return fmt.Errorf("%w: min_words exceeds max_words", ErrInvalidRequest)
	}
	if r.Body.ImageSize != "" && !imageSizePattern.MatchString(r.Body.ImageSize) {
		return fmt.Errorf("%w: image_size must look like \"WIDTHxHEIGHT\"", ErrInvalidRequest)
	}
	return nil
}

// Scheduler composes the Task Store and the job queue.
type Scheduler struct {
	Tasks task.Store
	Queue queue.Backend
}

// New builds a Scheduler.
func New(tasks task.Store, q queue.Backend) *Scheduler {
	return &Scheduler{Tasks: tasks, Queue: q}
}

// ScheduleTask validates req, creates its task row (or returns the
// existing one if req.IdempotencyKey was already used), and — for an
// async request — enqueues it. Sync requests are created pending only;
// the executor (C9) is expected to run them inline and mark them
// completed/failed itself.
func (s *Scheduler) ScheduleTask(ctx context.Context, req Request) (task.Task, error) {
	if err := validate(req); err != nil {
		return task.Task{}, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.Tasks.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, task.ErrNotFound) {
			return task.Task{}, fmt.Errorf("scheduler: idempotency lookup: %w", err)
		}
	}

	mode := req.Body.Mode
	if mode == "" {
		mode = task.ModeSync
		req.Body.Mode = mode
	}
	priority := req.Priority
	if priority == 0 {
		priority = task.PriorityNormal
	}

	created, err := s.Tasks.CreateTask(ctx, task.Task{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Topic:          req.Topic,
		Request:        req.Body,
		Priority:       priority,
	})
	if err != nil {
		if errors.Is(err, task.ErrDuplicateIdempotencyKey) {
			return created, nil
		}
		return task.Task{}, fmt.Errorf("scheduler: create task: %w", err)
	}

	if mode == task.ModeAsync {
		if _, err := s.Queue.AddTask(ctx, created.TaskID, priority); err != nil {
			return task.Task{}, fmt.Errorf("scheduler: enqueue task: %w", err)
		}
	}
	return created, nil
}

// ScheduleDelayedTask is ScheduleTask for a task that must not become
// claimable until notBefore — always async, since a synchronous caller
// can't be made to wait past a deferred start.
func (s *Scheduler) ScheduleDelayedTask(ctx context.Context, req Request, notBefore time.Time) (task.Task, error) {
	req.Body.Mode = task.ModeAsync
	if err := validate(req); err != nil {
		return task.Task{}, err
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.Tasks.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, task.ErrNotFound) {
			return task.Task{}, fmt.Errorf("scheduler: idempotency lookup: %w", err)
		}
	}

	priority := req.Priority
	if priority == 0 {
		priority = task.PriorityNormal
	}
	created, err := s.Tasks.CreateTask(ctx, task.Task{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Topic:          req.Topic,
		Request:        req.Body,
		Priority:       priority,
	})
	if err != nil {
		if errors.Is(err, task.ErrDuplicateIdempotencyKey) {
			return created, nil
		}
		return task.Task{}, fmt.Errorf("scheduler: create task: %w", err)
	}

	if _, err := s.Queue.AddDelayedTask(ctx, created.TaskID, priority, notBefore); err != nil {
		return task.Task{}, fmt.Errorf("scheduler: enqueue delayed task: %w", err)
	}
	return created, nil
}

// ScheduleBatchTasks schedules many requests as one logical submission.
// Each request is validated and created independently — one invalid or
// failing request doesn't prevent the others from being scheduled — and
// every error is returned in errs at the same index as its request.
func (s *Scheduler) ScheduleBatchTasks(ctx context.Context, reqs []Request) ([]task.Task, []error) {
	tasks := make([]task.Task, len(reqs))
	errs := make([]error, len(reqs))

	for i, req := range reqs {
		if err := validate(req); err != nil {
			errs[i] = err
			continue
		}
		mode := req.Body.Mode
		if mode == "" {
			mode = task.ModeSync
			req.Body.Mode = mode
		}
		priority := req.Priority
		if priority == 0 {
			priority = task.PriorityNormal
		}
		created, err := s.Tasks.CreateTask(ctx, task.Task{
			IdempotencyKey: req.IdempotencyKey,
			UserID:         req.UserID,
			Topic:          req.Topic,
			Request:        req.Body,
			Priority:       priority,
		})
		if err != nil && !errors.Is(err, task.ErrDuplicateIdempotencyKey) {
			errs[i] = fmt.Errorf("scheduler: create task: %w", err)
			continue
		}
		tasks[i] = created
		if mode == task.ModeAsync && err == nil {
			if _, enqueueErr := s.Queue.AddTask(ctx, created.TaskID, priority); enqueueErr != nil {
				errs[i] = fmt.Errorf("scheduler: enqueue task: %w", enqueueErr)
			}
		}
	}
	return tasks, errs
}

// CancelTask transitions a task to Cancelled. Terminal tasks
// (completed/failed/already cancelled) return task.ErrIllegalTransition
// via the store's transition matrix.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (task.Task, error) {
	current, err := s.Tasks.FindByID(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	return s.Tasks.UpdateStatus(ctx, taskID, current.Version, task.StatusCancelled)
}
