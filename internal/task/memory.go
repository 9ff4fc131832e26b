package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store, for tests and single-process
// development. Not suitable for multi-process deployments since claims
// aren't visible across processes.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	idemp map[string]string // idempotency key -> task_id
}

// NewMemStore creates an empty in-memory Task Store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks: make(map[string]Task),
		idemp: make(map[string]string),
	}
}

func (m *MemStore) CreateTask(_ context.Context, t Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.IdempotencyKey != "" {
		if existingID, ok := m.idemp[t.IdempotencyKey]; ok {
			return m.tasks[existingID], ErrDuplicateIdempotencyKey
		}
	}

	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	m.tasks[t.TaskID] = t
	if t.IdempotencyKey != "" {
		m.idemp[t.IdempotencyKey] = t.TaskID
	}
	return t, nil
}

func (m *MemStore) FindByID(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (m *MemStore) FindByIdempotencyKey(_ context.Context, key string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID, ok := m.idemp[key]
	if !ok {
		return Task{}, ErrNotFound
	}
	return m.tasks[taskID], nil
}

func matches(t Task, f Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if t.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TopicContains != "" && !strings.Contains(strings.ToLower(t.Topic), strings.ToLower(f.TopicContains)) {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

func sortByPriorityThenAge(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func (m *MemStore) FindMany(_ context.Context, f Filter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Task
	for _, t := range m.tasks {
		if matches(t, f) {
			out = append(out, t)
		}
	}
	sortByPriorityThenAge(out)

	if f.Offset > 0 && f.Offset < len(out) {
		out = out[f.Offset:]
	} else if f.Offset >= len(out) {
		out = nil
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Count(_ context.Context, f Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tasks {
		if matches(t, f) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) GetPendingTasks(_ context.Context, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	sortByPriorityThenAge(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ClaimTask(_ context.Context, workerID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Task
	for id := range m.tasks {
		t := m.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			tc := t
			best = &tc
		}
	}
	if best == nil {
		return Task{}, ErrNoPendingTask
	}

	best.Status = StatusRunning
	best.WorkerID = workerID
	best.ClaimedAt = time.Now()
	best.UpdatedAt = time.Now()
	best.Version++
	m.tasks[best.TaskID] = *best
	return *best, nil
}

func (m *MemStore) ClaimTaskByID(_ context.Context, taskID, workerID string, expectedVersion int64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(t.Status, StatusRunning) {
		return Task{}, ErrIllegalTransition
	}
	t.Status = StatusRunning
	t.WorkerID = workerID
	t.ClaimedAt = time.Now()
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) UpdateStatus(_ context.Context, taskID string, expectedVersion int64, to Status) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(t.Status, to) {
		return Task{}, ErrIllegalTransition
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) UpdateCurrentStep(_ context.Context, taskID string, expectedVersion int64, step string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	t.CurrentStep = step
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) IncrementRetryCount(_ context.Context, taskID string, expectedVersion int64, kind RetryKind) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	switch kind {
	case RetryKindText:
		t.TextRetryCount++
	case RetryKindImage:
		t.ImageRetryCount++
	}
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) SaveStateSnapshot(_ context.Context, taskID string, expectedVersion int64, snapshot []byte) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	t.StateSnapshot = append([]byte(nil), snapshot...)
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) MarkCompleted(_ context.Context, taskID string, expectedVersion int64, tokensUsed int64, costUSD float64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(t.Status, StatusCompleted) {
		return Task{}, ErrIllegalTransition
	}
	t.Status = StatusCompleted
	t.WorkerID = ""
	t.TokensUsed = tokensUsed
	t.CostUSD = costUSD
	now := time.Now()
	t.CompletedAt = now
	t.UpdatedAt = now
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) MarkFailed(_ context.Context, taskID string, expectedVersion int64, errMsg string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(t.Status, StatusFailed) {
		return Task{}, ErrIllegalTransition
	}
	t.Status = StatusFailed
	t.WorkerID = ""
	t.ErrorMessage = errMsg
	now := time.Now()
	t.CompletedAt = now
	t.UpdatedAt = now
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) ReleaseWorker(_ context.Context, taskID string, expectedVersion int64) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(t.Status, StatusWaiting) {
		return Task{}, ErrIllegalTransition
	}
	t.Status = StatusWaiting
	t.WorkerID = ""
	t.UpdatedAt = time.Now()
	t.Version++
	m.tasks[taskID] = t
	return t, nil
}

func (m *MemStore) SoftDelete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusCancelled
	t.UpdatedAt = time.Now()
	m.tasks[taskID] = t
	return nil
}
