// Package checkpoint bridges the workflow engine's generic
// graph/store.Store[S] persistence hook (C7/C8) onto the Task Store
// (C1): every node boundary the engine reaches becomes a
// version-gated write to the owning task row, so a crash mid-run never
// loses more than the node currently executing.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/store"
	"github.com/contentforge/orchestrator/internal/task"
	"github.com/contentforge/orchestrator/internal/workflow"
)

// Manager implements store.Store[workflow.State] over a task.Store. A
// run's ID (the first argument to every method) is always the owning
// task's TaskID.
type Manager struct {
	tasks task.Store

	mu       sync.Mutex
	versions map[string]int64
}

// NewManager builds a Manager over tasks. Call Prime before each Run()
// with the version the caller last read, so the first SaveStep CAS
// write targets the right row version.
func NewManager(tasks task.Store) *Manager {
	return &Manager{tasks: tasks, versions: make(map[string]int64)}
}

// Prime records the version a run should start writing against.
func (m *Manager) Prime(runID string, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[runID] = version
}

// CurrentVersion returns the last version Prime or a successful
// SaveStep recorded for runID.
func (m *Manager) CurrentVersion(runID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[runID]
}

func (m *Manager) setVersion(runID string, v int64) {
	m.mu.Lock()
	m.versions[runID] = v
	m.mu.Unlock()
}

// SaveStep persists state as the task's state_snapshot and records
// nodeID as its current_step, each a separate CAS write against the
// version Prime/the previous SaveStep left behind. step is not
// separately tracked — the task row's version already serves as the
// monotonic step counter.
func (m *Manager) SaveStep(ctx context.Context, runID string, _ int, nodeID string, state workflow.State) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}

	v := m.CurrentVersion(runID)
	t, err := m.tasks.SaveStateSnapshot(ctx, runID, v, snapshot)
	if err != nil {
		return fmt.Errorf("checkpoint: save snapshot: %w", err)
	}

	t, err = m.tasks.UpdateCurrentStep(ctx, runID, t.Version, nodeID)
	if err != nil {
		return fmt.Errorf("checkpoint: update current step: %w", err)
	}

	m.setVersion(runID, t.Version)
	return nil
}

// LoadLatest reconstructs the most recently checkpointed state for
// runID from the task row's state_snapshot.
func (m *Manager) LoadLatest(ctx context.Context, runID string) (workflow.State, int, error) {
	t, err := m.tasks.FindByID(ctx, runID)
	if err != nil {
		return workflow.State{}, 0, store.ErrNotFound
	}
	if len(t.StateSnapshot) == 0 {
		return workflow.State{}, 0, store.ErrNotFound
	}
	var s workflow.State
	if err := json.Unmarshal(t.StateSnapshot, &s); err != nil {
		return workflow.State{}, 0, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	m.setVersion(runID, t.Version)
	return s, 0, nil
}

// SaveCheckpoint, LoadCheckpoint, SaveCheckpointV2, LoadCheckpointV2,
// CheckIdempotency, PendingEvents, and MarkEventsEmitted round out
// store.Store[workflow.State] for the concurrent/replay execution path
// (graph.Engine.RunWithCheckpoint and the frontier-based runConcurrent),
// neither of which this orchestrator's sequential content-creation
// workflow uses — see DESIGN.md. They're implemented as inert no-ops
// rather than panics so a Manager remains a complete, safe Store value
// even if a future node set opts into concurrent execution.

func (m *Manager) SaveCheckpoint(_ context.Context, _ string, _ workflow.State, _ int) error {
	return nil
}

func (m *Manager) LoadCheckpoint(_ context.Context, _ string) (workflow.State, int, error) {
	return workflow.State{}, 0, store.ErrNotFound
}

func (m *Manager) SaveCheckpointV2(_ context.Context, _ store.CheckpointV2[workflow.State]) error {
	return nil
}

func (m *Manager) LoadCheckpointV2(_ context.Context, _ string, _ int) (store.CheckpointV2[workflow.State], error) {
	return store.CheckpointV2[workflow.State]{}, store.ErrNotFound
}

func (m *Manager) CheckIdempotency(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *Manager) PendingEvents(_ context.Context, _ int) ([]emit.Event, error) {
	return nil, nil
}

func (m *Manager) MarkEventsEmitted(_ context.Context, _ []string) error {
	return nil
}
