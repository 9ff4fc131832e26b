package quality

import "context"

// GateConfig bounds both tiers of the gate.
type GateConfig struct {
	HardRules HardRuleConfig
}

// GateResult is the combined verdict: hard rules gate first (a failure
// here never reaches the LLM evaluator, since no rewrite can fix a
// structural problem the model wasn't told about), then the LLM
// evaluator's weighted score.
type GateResult struct {
	Passed      bool
	HardRule    HardRuleResult
	Evaluation  EvaluationResult
	Suggestions []string
}

// Gate composes the hard-rule checker and the LLM evaluator into a
// single pass/fail decision (C6).
type Gate struct {
	Evaluator *Evaluator
	Config    GateConfig
}

// NewGate builds a Gate around an Evaluator and its hard-rule
// configuration.
func NewGate(evaluator *Evaluator, cfg GateConfig) *Gate {
	return &Gate{Evaluator: evaluator, Config: cfg}
}

// Check runs both tiers against text scored against brief. If the hard
// rules fail, the LLM evaluator is skipped entirely and its zero value
// is returned — the caller should surface HardRule.Notes as the fix
// suggestions in that case.
func (g *Gate) Check(ctx context.Context, brief, text string) (GateResult, error) {
	return g.CheckWithRules(ctx, brief, text, g.Config.HardRules)
}

// CheckWithRules is Check with a caller-supplied HardRuleConfig instead
// of g.Config.HardRules, for callers that hold one Gate (and its
// Evaluator/LLM client) shared across tasks whose hard constraints
// differ per request.
func (g *Gate) CheckWithRules(ctx context.Context, brief, text string, rules HardRuleConfig) (GateResult, error) {
	hard := CheckText(text, rules)
	if !hard.Passed {
		return GateResult{
			Passed:      false,
			HardRule:    hard,
			Suggestions: hard.Notes,
		}, nil
	}

	// Evaluate reports evaluator failures as a failing EvaluationResult
	// rather than an error (per the evaluator-unavailable contract), but
	// the gate treats any error the same way defensively: a quality
	// failure feeds the rewrite loop instead of aborting the task.
	eval, err := g.Evaluator.Evaluate(ctx, brief, text)
	if err != nil {
		eval = unavailableResult()
	}

	return GateResult{
		Passed:      eval.Passed,
		HardRule:    hard,
		Evaluation:  eval,
		Suggestions: eval.Suggestions,
	}, nil
}
