package runner

import (
	"context"
	"testing"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/internal/checkpoint"
	"github.com/contentforge/orchestrator/internal/result"
	"github.com/contentforge/orchestrator/internal/task"
	"github.com/contentforge/orchestrator/internal/workflow"
)

func buildEngine(t *testing.T, ckpt *checkpoint.Manager, node graph.NodeFunc[workflow.State]) *graph.Engine[workflow.State] {
	t.Helper()
	engine := graph.New[workflow.State](workflow.Reduce, ckpt, emit.NewNullEmitter(), graph.Options{MaxSteps: 8})
	if err := engine.Add("only", node); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := engine.StartAt("only"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	return engine
}

func TestRunner_Run_MarksCompletedOnSuccess(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemStore()
	results := result.NewMemStore()
	created, _ := tasks.CreateTask(ctx, task.Task{Topic: "cats", Request: task.Request{Requirements: "write"}})
	claimed, err := tasks.ClaimTask(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	_ = created

	ckpt := checkpoint.NewManager(tasks)
	node := graph.NodeFunc[workflow.State](func(_ context.Context, s workflow.State) graph.NodeResult[workflow.State] {
		return graph.NodeResult[workflow.State]{
			Delta: workflow.State{FinalArticleContent: "the article"},
			Route: graph.Stop(),
		}
	})
	engine := buildEngine(t, ckpt, node)
	r := New(tasks, results, ckpt, engine, nil)

	final, err := r.Run(ctx, claimed)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != task.StatusCompleted {
		t.Fatalf("expected completed status, got %s", final.Status)
	}

	stored, err := results.FindByTaskID(ctx, claimed.TaskID)
	if err != nil {
		t.Fatalf("FindByTaskID: %v", err)
	}
	if len(stored) != 1 || stored[0].Content != "the article" {
		t.Errorf("expected the final article to be persisted, got %+v", stored)
	}
}

func TestRunner_Run_MarksFailedOnStateError(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemStore()
	results := result.NewMemStore()
	_, _ = tasks.CreateTask(ctx, task.Task{Topic: "cats", Request: task.Request{Requirements: "write"}})
	claimed, _ := tasks.ClaimTask(ctx, "worker-1")

	ckpt := checkpoint.NewManager(tasks)
	node := graph.NodeFunc[workflow.State](func(_ context.Context, s workflow.State) graph.NodeResult[workflow.State] {
		return graph.NodeResult[workflow.State]{
			Delta: workflow.State{Error: "quality gate exhausted retries"},
			Route: graph.Stop(),
		}
	})
	engine := buildEngine(t, ckpt, node)
	r := New(tasks, results, ckpt, engine, nil)

	final, err := r.Run(ctx, claimed)
	if err != nil {
		t.Fatalf("Run should not itself error on a business-logic failure: %v", err)
	}
	if final.Status != task.StatusFailed {
		t.Fatalf("expected failed status, got %s", final.Status)
	}
	if final.ErrorMessage == "" {
		t.Errorf("expected error_message to be set")
	}
}
