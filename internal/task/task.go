// Package task implements the Task Store: the orchestrator's system of
// record for content-creation jobs, with optimistic-locking concurrency
// control so multiple workers can race to claim work safely.
package task

import (
	"errors"
	"time"
)

// Status is a task's position in its lifecycle. Terminal statuses
// (Completed, Failed, Cancelled) never transition further.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions is the status transition matrix. A transition not
// listed here is illegal and Store implementations must reject it with
// ErrIllegalTransition.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusWaiting:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusWaiting: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether moving from one status to another is
// allowed by the transition matrix.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// IsTerminal reports whether a status never transitions further.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders pending tasks within the queue and the store's
// get_pending_tasks listing. Higher values run first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
	PriorityUrgent Priority = 15
)

// HardConstraints are the deterministic acceptance rules a generated
// article must satisfy (the Hard-Rule Checker's input, carried on the
// task so a resumed/retried run doesn't need the original caller).
type HardConstraints struct {
	MinWords          int      `json:"min_words,omitempty"`
	MaxWords          int      `json:"max_words,omitempty"`
	RequiredKeywords  []string `json:"required_keywords,omitempty"`
	RequireAllKeyword bool     `json:"require_all_keywords,omitempty"`
	ForbiddenWords    []string `json:"forbidden_words,omitempty"`
	RequireTitle      bool     `json:"require_title,omitempty"`
	RequireIntro      bool     `json:"require_intro,omitempty"`
	RequireConclusion bool     `json:"require_conclusion,omitempty"`
	MinSections       int      `json:"min_sections,omitempty"`
	HasBulletPoints   bool     `json:"has_bullet_points,omitempty"`
	HasNumberedList   bool     `json:"has_numbered_list,omitempty"`
	Locale            string   `json:"locale,omitempty"`
}

// Mode selects whether a task is run inline (C9) or dispatched through
// the queue/worker pool (C10-C12).
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Request is the caller-supplied brief for a content-creation task,
// preserved on the row so a worker resuming after a crash can
// reconstruct the workflow's initial state without re-contacting the
// caller.
type Request struct {
	Mode           Mode            `json:"mode,omitempty"`
	Requirements   string          `json:"requirements,omitempty"`
	TargetAudience string          `json:"target_audience,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	Tone           string          `json:"tone,omitempty"`
	HardConstraint HardConstraints `json:"hard_constraints,omitempty"`
	ImageSize      string          `json:"image_size,omitempty"` // "WIDTHxHEIGHT"
}

// Task is a single content-creation job.
type Task struct {
	TaskID          string
	IdempotencyKey  string
	UserID          string
	Topic           string
	Request         Request
	Status          Status
	Priority        Priority
	CurrentStep     string
	TextRetryCount  int
	ImageRetryCount int
	WorkerID        string
	StateSnapshot   []byte // JSON-encoded workflow.State, opaque here
	TokensUsed      int64
	CostUSD         float64
	ErrorMessage    string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ClaimedAt       time.Time
	CompletedAt     time.Time
}

// Sentinel errors returned by Store implementations.
var (
	// ErrVersionConflict is returned when an update's expected version
	// doesn't match the row's current version — another worker already
	// modified the task.
	ErrVersionConflict = errors.New("task: version conflict")
	// ErrNotFound is returned when a task lookup finds nothing.
	ErrNotFound = errors.New("task: not found")
	// ErrDuplicateIdempotencyKey is returned by CreateTask when the
	// idempotency key is already in use.
	ErrDuplicateIdempotencyKey = errors.New("task: duplicate idempotency key")
	// ErrIllegalTransition is returned when a status update violates the
	// transition matrix.
	ErrIllegalTransition = errors.New("task: illegal status transition")
	// ErrNoPendingTask is returned by ClaimTask when no claimable task
	// exists.
	ErrNoPendingTask = errors.New("task: no pending task available")
)

// Filter narrows find_many/count queries.
type Filter struct {
	Statuses      []Status
	Priorities    []Priority
	TopicContains string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}
