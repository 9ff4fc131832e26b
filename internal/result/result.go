// Package result implements the append-only Result Store (C2): the
// generated content artifacts and quality-check records produced while
// a task runs its workflow.
package result

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup finds nothing.
var ErrNotFound = errors.New("result: not found")

// Kind distinguishes the artifact a Result carries.
type Kind string

const (
	KindSearchHits Kind = "search_hits"
	KindOutline    Kind = "outline"
	KindDraftText  Kind = "draft_text"
	KindFinalText  Kind = "final_text"
	KindImage      Kind = "image"
)

// Result is one artifact produced for a task, append-only: nodes write
// a new Result rather than mutating a prior one, so the full history of
// a task's rewrite loop stays queryable.
type Result struct {
	ResultID  string
	TaskID    string
	Kind      Kind
	Content   string // text artifacts, or an image URL/path for KindImage
	Metadata  map[string]any
	CreatedAt time.Time
}

// QualityVerdict is the outcome of a single quality-gate pass.
type QualityVerdict string

const (
	VerdictPass QualityVerdict = "pass"
	VerdictFail QualityVerdict = "fail"
)

// QualityCheck records one hard-rule + LLM-evaluator pass over a
// Result.
type QualityCheck struct {
	CheckID        string
	TaskID         string
	ResultID       string
	Stage          string // "text" or "image"
	Verdict        QualityVerdict
	HardRulePassed bool
	HardRuleNotes  []string
	LLMScore       float64
	LLMDimensions  map[string]float64
	Suggestions    []string
	CreatedAt      time.Time
}

// Store is the Result Store contract (C2).
type Store interface {
	// Create appends a new Result for a task.
	Create(ctx context.Context, r Result) (Result, error)
	// FindByTaskID returns every Result recorded for a task, oldest
	// first.
	FindByTaskID(ctx context.Context, taskID string) ([]Result, error)
	// FindLatestByKind returns the most recent Result of a given kind
	// for a task, or ErrNotFound.
	FindLatestByKind(ctx context.Context, taskID string, kind Kind) (Result, error)
	// DeleteByTaskID removes every Result for a task (used by
	// SoftDelete/cleanup flows; results are otherwise append-only).
	DeleteByTaskID(ctx context.Context, taskID string) error

	// CreateQualityCheck appends a new QualityCheck for a task/result.
	CreateQualityCheck(ctx context.Context, qc QualityCheck) (QualityCheck, error)
	// FindQualityChecksByTaskID returns every QualityCheck recorded for
	// a task, oldest first.
	FindQualityChecksByTaskID(ctx context.Context, taskID string) ([]QualityCheck, error)
}

func newID() string { return uuid.NewString() }
