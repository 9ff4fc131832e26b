package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/contentforge/orchestrator/graph/model"
)

// Dimension weights for the soft-scoring rubric. These sum to 1.0 and
// are applied to the model's self-reported 0-100 scores per dimension.
const (
	weightRelevance   = 0.30
	weightCoherence   = 0.30
	weightCompleteness = 0.20
	weightReadability  = 0.20

	// passThreshold is the minimum weighted score (0-100) an LLM
	// evaluation must clear to pass on its own.
	passThreshold = 70.0
)

// Dimensions are the four facets the evaluator scores independently.
type Dimensions struct {
	Relevance    float64
	Coherence    float64
	Completeness float64
	Readability  float64
}

// WeightedScore combines the four dimensions into the single score the
// gate compares against passThreshold.
func (d Dimensions) WeightedScore() float64 {
	return d.Relevance*weightRelevance +
		d.Coherence*weightCoherence +
		d.Completeness*weightCompleteness +
		d.Readability*weightReadability
}

// EvaluationResult is the LLM Evaluator's verdict.
type EvaluationResult struct {
	Dimensions  Dimensions
	Score       float64
	Passed      bool
	Suggestions []string
}

// Evaluator scores generated text against its brief using an LLM,
// asking it to self-report a rubric rather than just a thumbs up/down,
// so failures come with actionable suggestions.
type Evaluator struct {
	Model model.ChatModel
}

// NewEvaluator builds an Evaluator around any ChatModel (a real
// provider or model.MockChatModel in tests).
func NewEvaluator(m model.ChatModel) *Evaluator {
	return &Evaluator{Model: m}
}

const evaluatorSystemPrompt = `You score written content against a brief using four dimensions,
each 0-100: relevance, coherence, completeness, readability. Respond with a single JSON object:
{"relevance": N, "coherence": N, "completeness": N, "readability": N, "suggestions": ["..."]}
Respond with JSON only, no prose.`

// Evaluate asks the model to score text against brief and returns the
// weighted verdict. An LLM or parse failure never bubbles up as an
// error — it is recorded as a failing verdict so the caller can feed it
// straight into the rewrite loop instead of aborting the task.
func (e *Evaluator) Evaluate(ctx context.Context, brief, text string) (EvaluationResult, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: evaluatorSystemPrompt},
		{Role: model.RoleUser, Content: fmt.Sprintf("Brief:\n%s\n\nContent:\n%s", brief, text)},
	}

	out, err := e.Model.Chat(ctx, messages, nil)
	if err != nil {
		return unavailableResult(), nil
	}

	parsed, err := parseScoreResponse(out.Text)
	if err != nil {
		return unavailableResult(), nil
	}

	score := parsed.Dimensions.WeightedScore()
	return EvaluationResult{
		Dimensions:  parsed.Dimensions,
		Score:       score,
		Passed:      score >= passThreshold,
		Suggestions: parsed.Suggestions,
	}, nil
}

// unavailableResult is the verdict returned when the evaluator itself
// couldn't run (provider error or an unparseable response), per spec:
// a failing score rather than a thrown error.
func unavailableResult() EvaluationResult {
	return EvaluationResult{
		Passed:      false,
		Score:       0,
		Suggestions: []string{"evaluator unavailable"},
	}
}

type rawScore struct {
	Relevance    float64  `json:"relevance"`
	Coherence    float64  `json:"coherence"`
	Completeness float64  `json:"completeness"`
	Readability  float64  `json:"readability"`
	Suggestions  []string `json:"suggestions"`
}

type parsedScore struct {
	Dimensions  Dimensions
	Suggestions []string
}

// jsonObjectPattern extracts the first {...} block from a response,
// tolerating models that wrap JSON in prose or code fences despite
// being asked not to.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

func parseScoreResponse(text string) (parsedScore, error) {
	candidate := strings.TrimSpace(text)
	if match := jsonObjectPattern.FindString(candidate); match != "" {
		candidate = match
	}

	var raw rawScore
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return parsedScore{}, fmt.Errorf("no parseable JSON score in response: %w", err)
	}

	return parsedScore{
		Dimensions: Dimensions{
			Relevance:    clamp(raw.Relevance),
			Coherence:    clamp(raw.Coherence),
			Completeness: clamp(raw.Completeness),
			Readability:  clamp(raw.Readability),
		},
		Suggestions: raw.Suggestions,
	}, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
