// Command server runs the content-creation orchestrator: the HTTP API,
// the async worker pool, and every store/adapter they're wired against,
// all driven from internal/config's environment contract.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/graph/model/anthropic"
	"github.com/contentforge/orchestrator/graph/model/google"
	"github.com/contentforge/orchestrator/graph/model/openai"

	"github.com/contentforge/orchestrator/internal/adapter"
	"github.com/contentforge/orchestrator/internal/checkpoint"
	"github.com/contentforge/orchestrator/internal/config"
	"github.com/contentforge/orchestrator/internal/executor"
	"github.com/contentforge/orchestrator/internal/httpapi"
	"github.com/contentforge/orchestrator/internal/quality"
	"github.com/contentforge/orchestrator/internal/queue"
	"github.com/contentforge/orchestrator/internal/result"
	"github.com/contentforge/orchestrator/internal/runner"
	"github.com/contentforge/orchestrator/internal/scheduler"
	"github.com/contentforge/orchestrator/internal/task"
	"github.com/contentforge/orchestrator/internal/worker"
	"github.com/contentforge/orchestrator/internal/workflow"
)

func main() {
	cfg := config.Load()

	taskStore, resultStore, closeStores, err := buildStores(cfg)
	if err != nil {
		log.Fatalf("server: build stores: %v", err)
	}
	defer closeStores()

	queueBackend, err := buildQueue(cfg)
	if err != nil {
		log.Fatalf("server: build queue: %v", err)
	}

	costTracker := graph.NewCostTracker("orchestrator", "USD")
	llmAdapter := buildLLMAdapter(cfg, costTracker)
	searchAdapter := buildSearchAdapter(cfg)
	imageAdapter := buildImageAdapter(cfg)
	gate := quality.NewGate(quality.NewEvaluator(llmAdapter.Model), quality.GateConfig{})

	ckptManager := checkpoint.NewManager(taskStore)
	emitter := emit.NewLogEmitter(os.Stdout, false)
	engine, err := workflow.Build(workflow.Deps{
		Search:           searchAdapter,
		Image:            imageAdapter,
		LLM:              llmAdapter,
		Gate:             gate,
		ImageDownloadDir: cfg.ImageDownloadDir,
	}, ckptManager, emitter)
	if err != nil {
		log.Fatalf("server: build workflow engine: %v", err)
	}

	run := runner.New(taskStore, resultStore, ckptManager, engine, costTracker)
	exec := executor.New(taskStore, run)
	sched := scheduler.New(taskStore, queueBackend)

	pool := &worker.Pool{
		IDPrefix:    "worker",
		Concurrency: cfg.WorkerCount,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.WorkerRateLimitPerSec), 1),
		Tasks:       taskStore,
		Queue:       queueBackend,
		Runner:      run,
		OnJobError: func(workerID string, job queue.Job, err error) {
			log.Printf("worker %s: job %s (task %s): %v", workerID, job.JobID, job.TaskID, err)
		},
	}

	srv := &httpapi.Server{
		Scheduler: sched,
		Executor:  exec,
		Tasks:     taskStore,
		Results:   resultStore,
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	go func() {
		log.Printf("server: listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server: http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("server: shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: http shutdown: %v", err)
	}

	pool.Stop()
	pool.Wait()
	log.Println("server: shutdown complete")
}

// buildStores constructs the Task and Result Stores per
// cfg.TaskStoreDriver, returning a close func that releases whatever
// underlying connections were opened.
func buildStores(cfg config.Config) (task.Store, result.Store, func(), error) {
	switch cfg.TaskStoreDriver {
	case "memory":
		return task.NewMemStore(), result.NewMemStore(), func() {}, nil

	case "mysql":
		tasks, err := task.NewMySQLStore(cfg.TaskStoreDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mysql task store: %w", err)
		}
		results, err := result.NewMySQLStore(cfg.TaskStoreDSN)
		if err != nil {
			_ = tasks.Close()
			return nil, nil, nil, fmt.Errorf("mysql result store: %w", err)
		}
		return tasks, results, func() {
			_ = tasks.Close()
			_ = results.Close()
		}, nil

	case "sqlite", "":
		tasks, err := task.NewSQLiteStore(cfg.TaskStoreDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite task store: %w", err)
		}
		results, err := result.NewSQLiteStore(cfg.TaskStoreDSN)
		if err != nil {
			_ = tasks.Close()
			return nil, nil, nil, fmt.Errorf("sqlite result store: %w", err)
		}
		return tasks, results, func() {
			_ = tasks.Close()
			_ = results.Close()
		}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown TASKSTORE_DRIVER %q", cfg.TaskStoreDriver)
	}
}

// buildQueue constructs the queue.Backend per cfg.QueueDriver.
func buildQueue(cfg config.Config) (queue.Backend, error) {
	switch cfg.QueueDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.QueueRedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return queue.NewRedisQueue(client, "orchestrator:tasks"), nil

	case "memory", "":
		return queue.New(), nil

	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}

// buildLLMAdapter constructs the ChatModel per cfg.LLMProvider and
// wraps it in adapter.LLMAdapter, sharing tracker with every caller so
// a task's cumulative cost is visible regardless of which node spent
// it.
func buildLLMAdapter(cfg config.Config, tracker *graph.CostTracker) *adapter.LLMAdapter {
	var m model.ChatModel
	modelName := cfg.LLMModel

	switch cfg.LLMProvider {
	case "anthropic":
		if modelName == "" {
			modelName = "claude-3-5-sonnet-latest"
		}
		m = anthropic.NewChatModel(cfg.AnthropicKey, modelName)
	case "openai":
		if modelName == "" {
			modelName = "gpt-4o"
		}
		m = openai.NewChatModel(cfg.OpenAIKey, modelName)
	case "google":
		if modelName == "" {
			modelName = "gemini-1.5-pro"
		}
		m = google.NewChatModel(cfg.GoogleKey, modelName)
	default:
		modelName = "mock"
		m = &model.MockChatModel{Responses: []model.ChatOut{{Text: "{}"}}}
	}
	return adapter.NewLLMAdapter(m, modelName, tracker)
}

func buildSearchAdapter(cfg config.Config) adapter.SearchAdapter {
	switch cfg.SearchProvider {
	case "http":
		return adapter.NewHTTPSearchAdapter(cfg.SearchBaseURL, cfg.SearchAPIKey)
	default:
		return &adapter.MockSearchAdapter{}
	}
}

func buildImageAdapter(cfg config.Config) adapter.ImageAdapter {
	switch cfg.ImageProvider {
	case "http":
		return adapter.NewHTTPImageAdapter(cfg.ImageBaseURL, cfg.ImageAPIKey)
	case "disabled":
		return adapter.DisabledImageAdapter{}
	default:
		return &adapter.MockImageAdapter{}
	}
}
