package workflow

import (
	"os"
	"path/filepath"
	"time"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/emit"
	"github.com/contentforge/orchestrator/graph/store"
	"github.com/contentforge/orchestrator/internal/adapter"
	"github.com/contentforge/orchestrator/internal/quality"
)

// Deps collects the adapters and services a content-creation run needs.
// One Deps is shared across tasks; nothing here is task-specific.
type Deps struct {
	Search     adapter.SearchAdapter
	Image      adapter.ImageAdapter
	LLM        *adapter.LLMAdapter
	Gate       *quality.Gate
	MaxRetries int
	// ImageDownloadDir is where generate_image saves a local copy of
	// each generated image; defaults to os.TempDir()'s "content-images"
	// subdirectory when empty.
	ImageDownloadDir string
}

// Build wires the nine canonical nodes into a graph.Engine[State] over
// st (the checkpoint bridge, C8) and emitter (C7's observability
// sink). The topology matches spec.md's node table: search ->
// organize -> write -> check_text -> route_text {write | generate_image
// | fail}, generate_image -> check_image -> route_image {generate_image
// | post_process | fail}, post_process is terminal.
func Build(deps Deps, st store.Store[State], emitter emit.Emitter) (*graph.Engine[State], error) {
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	downloadDir := deps.ImageDownloadDir
	if downloadDir == "" {
		downloadDir = filepath.Join(os.TempDir(), "content-images")
	}

	engine := graph.New[State](Reduce, st, emitter, graph.Options{
		MaxSteps:           64,
		DefaultNodeTimeout: TimeoutWrite,
		RunWallClockBudget: 20 * time.Minute,
	})

	nodes := map[string]graph.NodeFunc[State]{
		NodeSearch:       NewSearchNode(deps.Search),
		NodeOrganize:     NewOrganizeNode(deps.LLM),
		NodeWrite:        NewWriteNode(deps.LLM),
		NodeCheckText:    NewCheckTextNode(deps.Gate),
		NodeRouteText:    NewRouteTextNode(maxRetries),
		NodeGenerateImage: NewGenerateImageNode(deps.Image, downloadDir),
		NodeCheckImage:   NewCheckImageNode(),
		NodeRouteImage:   NewRouteImageNode(maxRetries),
		NodePostProcess:  NewPostProcessNode(),
	}

	for id, n := range nodes {
		if err := engine.Add(id, n); err != nil {
			return nil, err
		}
	}
	if err := engine.StartAt(NodeSearch); err != nil {
		return nil, err
	}
	return engine, nil
}
