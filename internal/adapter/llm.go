package adapter

import (
	"context"
	"fmt"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/model"
)

// LLMAdapter wraps a graph/model.ChatModel with the accounting the
// content-creation nodes need: every call is recorded against a
// CostTracker so a task's cumulative spend is always known, and a
// single EstimateTokens/HealthCheck surface is exposed regardless of
// which provider is configured underneath.
type LLMAdapter struct {
	Model     model.ChatModel
	ModelName string
	Tracker   *graph.CostTracker
}

// NewLLMAdapter builds an adapter around an already-constructed
// ChatModel (anthropic.NewChatModel, openai.NewChatModel,
// google.NewChatModel, or a model.MockChatModel in tests).
func NewLLMAdapter(m model.ChatModel, modelName string, tracker *graph.CostTracker) *LLMAdapter {
	return &LLMAdapter{Model: m, ModelName: modelName, Tracker: tracker}
}

// Chat sends messages to the underlying model, recording token usage
// and cost against the tracker, attributed to nodeID.
func (a *LLMAdapter) Chat(ctx context.Context, nodeID string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	out, err := a.Model.Chat(ctx, messages, tools)
	if err != nil {
		return out, fmt.Errorf("llm adapter: %w", err)
	}

	prompt, completion := out.Usage.PromptTokens, out.Usage.CompletionTokens
	if prompt == 0 && completion == 0 {
		// Provider didn't report usage; estimate from the text we sent
		// and received so cost accounting never silently stays at zero.
		for _, msg := range messages {
			prompt += model.EstimateTokens(msg.Content)
		}
		completion = model.EstimateTokens(out.Text)
	}
	if a.Tracker != nil {
		_ = a.Tracker.RecordLLMCall(a.ModelName, prompt, completion, nodeID)
	}
	return out, nil
}

// HealthCheck reports whether the underlying model is configured well
// enough to serve requests, when it implements model.HealthChecker.
func (a *LLMAdapter) HealthCheck(ctx context.Context) error {
	if hc, ok := a.Model.(model.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
