// Package runner executes one task's workflow engine run end to end
// and reconciles the result against the Task Store and Result Store.
// It is shared by the synchronous executor (C9) and the async worker
// pool (C12), which differ only in how a task reaches Running — inline
// versus claimed off the queue — not in how a run is carried out,
// checkpointed, or settled.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/internal/checkpoint"
	"github.com/contentforge/orchestrator/internal/result"
	"github.com/contentforge/orchestrator/internal/task"
	"github.com/contentforge/orchestrator/internal/workflow"
)

// Runner ties the workflow engine to the two stores a run settles
// against.
type Runner struct {
	Tasks      task.Store
	Results    result.Store
	Checkpoint *checkpoint.Manager
	Engine     *graph.Engine[workflow.State]
	Cost       *graph.CostTracker // shared with the LLMAdapter the engine's nodes call through
}

// New builds a Runner.
func New(tasks task.Store, results result.Store, ckpt *checkpoint.Manager, engine *graph.Engine[workflow.State], cost *graph.CostTracker) *Runner {
	return &Runner{Tasks: tasks, Results: results, Checkpoint: ckpt, Engine: engine, Cost: cost}
}

// Run executes t's workflow (t must already be in StatusRunning, with
// t.Version the version the caller just claimed it at), persists the
// produced artifacts, and settles the task to Completed or Failed. The
// returned task is always the final row state, even on error.
func (r *Runner) Run(ctx context.Context, t task.Task) (task.Task, error) {
	r.Checkpoint.Prime(t.TaskID, t.Version)

	initial := workflow.InitialState(t)
	if len(t.StateSnapshot) > 0 {
		var snapshot workflow.State
		if err := json.Unmarshal(t.StateSnapshot, &snapshot); err == nil {
			initial = workflow.RestoreInto(initial, snapshot)
		}
	}

	final, runErr := r.Engine.Run(ctx, t.TaskID, initial)
	version := r.Checkpoint.CurrentVersion(t.TaskID)
	if version == 0 {
		version = t.Version
	}

	if runErr != nil {
		failed, err := r.Tasks.MarkFailed(ctx, t.TaskID, version, runErr.Error())
		if err != nil {
			return task.Task{}, fmt.Errorf("runner: mark failed after engine error: %w", err)
		}
		return failed, runErr
	}

	if final.Error != "" {
		r.persistArtifacts(ctx, t.TaskID, final)
		failed, err := r.Tasks.MarkFailed(ctx, t.TaskID, version, final.Error)
		if err != nil {
			return task.Task{}, fmt.Errorf("runner: mark failed: %w", err)
		}
		return failed, nil
	}

	r.persistArtifacts(ctx, t.TaskID, final)

	var tokensUsed int64
	var costUSD float64
	if r.Cost != nil {
		in, out := r.Cost.GetTokenUsage()
		tokensUsed = in + out
		costUSD = r.Cost.GetTotalCost()
	}

	completed, err := r.Tasks.MarkCompleted(ctx, t.TaskID, version, tokensUsed, costUSD)
	if err != nil {
		return task.Task{}, fmt.Errorf("runner: mark completed: %w", err)
	}
	return completed, nil
}

// persistArtifacts writes every Result/QualityCheck a run produced,
// win or lose — a failed run's partial draft and quality notes are
// often the most useful thing to inspect afterward.
func (r *Runner) persistArtifacts(ctx context.Context, taskID string, final workflow.State) {
	if final.ArticleContent != "" {
		_, _ = r.Results.Create(ctx, result.Result{TaskID: taskID, Kind: result.KindDraftText, Content: final.ArticleContent})
	}
	if final.FinalArticleContent != "" {
		_, _ = r.Results.Create(ctx, result.Result{TaskID: taskID, Kind: result.KindFinalText, Content: final.FinalArticleContent})
	}
	for _, img := range final.Images {
		_, _ = r.Results.Create(ctx, result.Result{
			TaskID:  taskID,
			Kind:    result.KindImage,
			Content: img.URL,
			Metadata: map[string]any{
				"prompt": img.Prompt,
				"width":  img.Width,
				"height": img.Height,
			},
		})
	}
	if final.TextQualityReport != nil {
		r.persistQualityCheck(ctx, taskID, "text", *final.TextQualityReport)
	}
	if final.ImageQualityReport != nil {
		r.persistQualityCheck(ctx, taskID, "image", *final.ImageQualityReport)
	}
}

func (r *Runner) persistQualityCheck(ctx context.Context, taskID, stage string, report workflow.QualityReport) {
	verdict := result.VerdictFail
	if report.Passed {
		verdict = result.VerdictPass
	}
	_, _ = r.Results.CreateQualityCheck(ctx, result.QualityCheck{
		TaskID:         taskID,
		Stage:          stage,
		Verdict:        verdict,
		HardRulePassed: report.HardConstraintsPassed,
		LLMScore:       report.Score,
		Suggestions:    report.FixSuggestions,
	})
}
