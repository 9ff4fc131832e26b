// Package workflow instantiates the graph engine (C7) for the
// content-creation pipeline: the State value that flows through the
// nine canonical nodes, the reducer that merges each node's patch, and
// the node/routing wiring itself.
package workflow

import (
	"time"

	"github.com/contentforge/orchestrator/internal/task"
)

// SearchResult is one hit returned by the search node.
type SearchResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

// OrganizedInfo is the organize node's structured digest of the search
// results, consumed by the writer.
type OrganizedInfo struct {
	Outline   []string `json:"outline"`
	KeyPoints []string `json:"key_points"`
	Summary   string   `json:"summary"`
}

// GeneratedImage is one image produced by generate_image, with its
// resolved canonical size and, if the download succeeded, a local path.
type GeneratedImage struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
	Prompt    string `json:"prompt"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format,omitempty"`
}

// QualityReport is the State-resident mirror of a quality.GateResult,
// independent of the quality package's types so State stays a plain,
// JSON-round-trippable value.
type QualityReport struct {
	Passed                bool     `json:"passed"`
	HardConstraintsPassed bool     `json:"hard_constraints_passed"`
	Score                 float64  `json:"score"`
	FixSuggestions        []string `json:"fix_suggestions,omitempty"`
}

// State is the value threaded through the workflow engine (C7's S type
// parameter) and snapshotted to the task row after every node boundary
// (C8). Every node writes an additive patch: it sets only the fields it
// produces, and State.Reduce merges that patch over the previous value
// rather than replacing it wholesale.
type State struct {
	// Identity carry-overs, set once at Run() and never patched.
	TaskID       string          `json:"task_id"`
	WorkflowType string          `json:"workflow_type"`
	Mode         task.Mode       `json:"mode"`

	// Inputs, set once at Run() and never patched.
	Topic           string               `json:"topic"`
	Requirements    string               `json:"requirements"`
	TargetAudience  string               `json:"target_audience,omitempty"`
	Keywords        []string             `json:"keywords,omitempty"`
	Tone            string               `json:"tone,omitempty"`
	HardConstraints task.HardConstraints `json:"hard_constraints"`
	ImageSize       string               `json:"image_size,omitempty"`

	// Intermediate products, each written by exactly one node.
	SearchResults       []SearchResult   `json:"search_results,omitempty"`
	OrganizedInfo        OrganizedInfo    `json:"organized_info"`
	ArticleContent       string           `json:"article_content,omitempty"`
	ImagePrompts         []string         `json:"image_prompts,omitempty"`
	Images               []GeneratedImage `json:"images,omitempty"`
	FinalArticleContent  string           `json:"final_article_content,omitempty"`

	// Verdicts.
	TextQualityReport  *QualityReport `json:"text_quality_report,omitempty"`
	ImageQualityReport *QualityReport `json:"image_quality_report,omitempty"`

	// Control.
	CurrentStep     string    `json:"current_step,omitempty"`
	TextRetryCount  int       `json:"text_retry_count"`
	ImageRetryCount int       `json:"image_retry_count"`
	PreviousContent string    `json:"previous_content,omitempty"`
	Version         int64     `json:"version"`
	StartTime       time.Time `json:"start_time"`
	Error           string    `json:"error,omitempty"`
}

// HasOrganizedInfo reports whether the organize node has produced
// anything yet, used by resume logic to decide whether organize must
// re-run.
func (s State) HasOrganizedInfo() bool {
	return s.OrganizedInfo.Summary != "" || len(s.OrganizedInfo.KeyPoints) > 0
}

// Reduce merges delta, a node's patch, over prev. Only fields a node
// actually populated in its patch overwrite prev's value; everything
// else is carried forward untouched. This is the workflow engine's
// Reducer[State].
func Reduce(prev, delta State) State {
	out := prev

	if delta.CurrentStep != "" {
		out.CurrentStep = delta.CurrentStep
	}
	if delta.SearchResults != nil {
		out.SearchResults = delta.SearchResults
	}
	if delta.HasOrganizedInfo() {
		out.OrganizedInfo = delta.OrganizedInfo
	}
	if delta.ArticleContent != "" {
		out.ArticleContent = delta.ArticleContent
	}
	if delta.ImagePrompts != nil {
		out.ImagePrompts = delta.ImagePrompts
	}
	if delta.Images != nil {
		out.Images = delta.Images
	}
	if delta.FinalArticleContent != "" {
		out.FinalArticleContent = delta.FinalArticleContent
	}
	if delta.TextQualityReport != nil {
		out.TextQualityReport = delta.TextQualityReport
	}
	if delta.ImageQualityReport != nil {
		out.ImageQualityReport = delta.ImageQualityReport
	}
	if delta.TextRetryCount > out.TextRetryCount {
		out.TextRetryCount = delta.TextRetryCount
	}
	if delta.ImageRetryCount > out.ImageRetryCount {
		out.ImageRetryCount = delta.ImageRetryCount
	}
	if delta.PreviousContent != "" {
		out.PreviousContent = delta.PreviousContent
	}
	if delta.Version > out.Version {
		out.Version = delta.Version
	}
	if delta.Error != "" {
		out.Error = delta.Error
	}
	return out
}

// InitialState builds the Run() seed from a task row: the identity and
// input fields a fresh or resumed run never re-derives from the
// caller.
func InitialState(t task.Task) State {
	return State{
		TaskID:          t.TaskID,
		WorkflowType:    "content_creation",
		Mode:            t.Request.Mode,
		Topic:           t.Topic,
		Requirements:    t.Request.Requirements,
		TargetAudience:  t.Request.TargetAudience,
		Keywords:        t.Request.Keywords,
		Tone:            t.Request.Tone,
		HardConstraints: t.Request.HardConstraint,
		ImageSize:       t.Request.ImageSize,
		TextRetryCount:  t.TextRetryCount,
		ImageRetryCount: t.ImageRetryCount,
		Version:         t.Version,
		StartTime:       time.Now(),
	}
}

// RestoreInto merges a checkpointed snapshot into a freshly-built
// initial state, preserving the identity fields the snapshot must never
// override (C8's restore_state).
func RestoreInto(initial, snapshot State) State {
	restored := snapshot
	restored.TaskID = initial.TaskID
	restored.Mode = initial.Mode
	restored.Topic = initial.Topic
	restored.Requirements = initial.Requirements
	restored.HardConstraints = initial.HardConstraints
	restored.StartTime = initial.StartTime
	return restored
}
