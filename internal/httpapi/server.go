// Package httpapi implements the orchestrator's external HTTP surface
// (§6): task creation, lookup, listing, and cancellation over a
// go-chi router.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/contentforge/orchestrator/internal/executor"
	"github.com/contentforge/orchestrator/internal/result"
	"github.com/contentforge/orchestrator/internal/scheduler"
	"github.com/contentforge/orchestrator/internal/task"
)

// Server wires the scheduler, inline executor, and both stores into an
// http.Handler.
type Server struct {
	Scheduler *scheduler.Scheduler
	Executor  *executor.Executor
	Tasks     task.Store
	Results   result.Store
}

// Router builds the chi router for this Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/content/create", s.handleCreateContent)
		api.Get("/tasks", s.handleListTasks)
		api.Get("/tasks/{task_id}", s.handleGetTask)
		api.Get("/tasks/{task_id}/results", s.handleGetResults)
		api.Post("/tasks/{task_id}/cancel", s.handleCancelTask)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createContentRequest struct {
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	Topic          string              `json:"topic"`
	Mode           task.Mode           `json:"mode,omitempty"`
	Requirements   string              `json:"requirements"`
	TargetAudience string              `json:"target_audience,omitempty"`
	Keywords       []string            `json:"keywords,omitempty"`
	Tone           string              `json:"tone,omitempty"`
	HardConstraint task.HardConstraints `json:"hard_constraints,omitempty"`
	ImageSize      string              `json:"image_size,omitempty"`
	Priority       int                 `json:"priority,omitempty"`
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	created, err := s.Scheduler.ScheduleTask(r.Context(), scheduler.Request{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Topic:          req.Topic,
		Priority:       task.Priority(req.Priority),
		Body: task.Request{
			Mode:           req.Mode,
			Requirements:   req.Requirements,
			TargetAudience: req.TargetAudience,
			Keywords:       req.Keywords,
			Tone:           req.Tone,
			HardConstraint: req.HardConstraint,
			ImageSize:      req.ImageSize,
		},
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if created.Request.Mode == task.ModeSync && created.Status == task.StatusPending {
		final, runErr := s.Executor.Run(r.Context(), created)
		if runErr != nil && final.TaskID == "" {
			writeError(w, http.StatusInternalServerError, runErr.Error())
			return
		}
		writeJSON(w, http.StatusOK, toTaskResponse(final))
		return
	}

	writeJSON(w, http.StatusAccepted, toTaskResponse(created))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	t, err := s.Tasks.FindByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	results, err := s.Results.FindByTaskID(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	checks, err := s.Results.FindQualityChecksByTaskID(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "quality_checks": checks})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{TopicContains: q.Get("topic")}
	if status := q.Get("status"); status != "" {
		f.Statuses = []task.Status{task.Status(status)}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = offset
	}

	tasks, err := s.Tasks.FindMany(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := s.Tasks.Count(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		responses = append(responses, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": responses, "total": count})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	cancelled, err := s.Scheduler.CancelTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(err, task.ErrIllegalTransition) {
			writeError(w, http.StatusConflict, "task has already reached a terminal state")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(cancelled))
}

type taskResponse struct {
	TaskID          string    `json:"task_id"`
	Topic           string    `json:"topic"`
	Status          string    `json:"status"`
	Priority        int       `json:"priority"`
	CurrentStep     string    `json:"current_step,omitempty"`
	TextRetryCount  int       `json:"text_retry_count"`
	ImageRetryCount int       `json:"image_retry_count"`
	TokensUsed      int64     `json:"tokens_used,omitempty"`
	CostUSD         float64   `json:"cost_usd,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toTaskResponse(t task.Task) taskResponse {
	return taskResponse{
		TaskID:          t.TaskID,
		Topic:           t.Topic,
		Status:          string(t.Status),
		Priority:        int(t.Priority),
		CurrentStep:     t.CurrentStep,
		TextRetryCount:  t.TextRetryCount,
		ImageRetryCount: t.ImageRetryCount,
		TokensUsed:      t.TokensUsed,
		CostUSD:         t.CostUSD,
		ErrorMessage:    t.ErrorMessage,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
