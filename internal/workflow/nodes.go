package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/contentforge/orchestrator/graph"
	"github.com/contentforge/orchestrator/graph/model"
	"github.com/contentforge/orchestrator/internal/adapter"
	"github.com/contentforge/orchestrator/internal/quality"
	"github.com/contentforge/orchestrator/internal/task"
)

// hardRuleConfig translates a task's hard constraints into the fields
// quality.CheckText actually enforces. RequireTitle/RequireIntro/
// RequireConclusion/MinSections/bullet-and-numbered-list checks have no
// CheckText equivalent; checkStructure already enforces title/intro/
// conclusion shape unconditionally, so those request fields are
// currently advisory only (see DESIGN.md).
func hardRuleConfig(hc task.HardConstraints) quality.HardRuleConfig {
	return quality.HardRuleConfig{
		MinWords:         hc.MinWords,
		MaxWords:         hc.MaxWords,
		RequiredKeywords: hc.RequiredKeywords,
		ForbiddenWords:   hc.ForbiddenWords,
		Locale:           hc.Locale,
	}
}

// Node identifiers, matching spec.md's canonical node table exactly so
// logs/traces/checkpoints read the same name a reader of the spec would
// expect.
const (
	NodeSearch        = "search"
	NodeOrganize       = "organize"
	NodeWrite          = "write"
	NodeCheckText      = "check_text"
	NodeRouteText      = "route_text"
	NodeGenerateImage  = "generate_image"
	NodeCheckImage     = "check_image"
	NodeRouteImage     = "route_image"
	NodePostProcess    = "post_process"
)

// Per-node timeouts, taken verbatim from spec.md's node table.
const (
	TimeoutSearch        = 30 * time.Second
	TimeoutOrganize      = 150 * time.Second
	TimeoutWrite         = 240 * time.Second
	TimeoutCheckText     = 180 * time.Second
	TimeoutGenerateImage = 180 * time.Second
	TimeoutCheckImage    = 150 * time.Second
	TimeoutPostProcess   = 30 * time.Second
)

// DefaultMaxRetries bounds the rewrite loops (spec.md §4.7): the
// default of 3 configurable per workflow.
const DefaultMaxRetries = 3

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func fail(err error) graph.NodeResult[State] {
	return graph.NodeResult[State]{Delta: State{Error: err.Error()}, Route: graph.Stop()}
}

// NewSearchNode builds the search node (C3's search adapter): on a
// search-service error it logs (via the returned Delta patch carrying
// no results) and continues with empty results rather than failing the
// task — downstream nodes must tolerate an empty search_results list.
func NewSearchNode(search adapter.SearchAdapter) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		ctx, cancel := withTimeout(ctx, TimeoutSearch)
		defer cancel()

		query := s.Topic
		if len(s.Keywords) > 0 {
			query = query + " " + strings.Join(s.Keywords, " ")
		}
		hits, err := search.Search(ctx, query, 10)
		if err != nil {
			// Degrade: empty results, continue. Not a node failure.
			return graph.NodeResult[State]{
				Delta: State{CurrentStep: NodeSearch},
				Route: graph.Goto(NodeOrganize),
			}
		}

		results := make([]SearchResult, 0, len(hits))
		for _, h := range hits {
			results = append(results, SearchResult{Title: h.Title, URL: h.URL, Content: h.Snippet})
		}
		return graph.NodeResult[State]{
			Delta: State{CurrentStep: NodeSearch, SearchResults: results},
			Route: graph.Goto(NodeOrganize),
		}
	}
}

const organizeSystemPrompt = `You organize raw search findings into a content outline. Respond with a
single JSON object: {"outline": ["..."], "key_points": ["..."], "summary": "..."}
Respond with JSON only, no prose.`

type rawOrganized struct {
	Outline   []string `json:"outline"`
	KeyPoints []string `json:"key_points"`
	Summary   string   `json:"summary"`
}

var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

func parseOrganized(text string) (OrganizedInfo, error) {
	candidate := strings.TrimSpace(text)
	if m := jsonBlockPattern.FindString(candidate); m != "" {
		candidate = m
	}
	var raw rawOrganized
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return OrganizedInfo{}, fmt.Errorf("no parseable organize JSON: %w", err)
	}
	return OrganizedInfo{Outline: raw.Outline, KeyPoints: raw.KeyPoints, Summary: raw.Summary}, nil
}

// NewOrganizeNode builds the organize node: an LLM call that must parse
// into {outline, key_points, summary}; on parse failure it retries once
// (transparent, node-internal — it does not consume the task's text
// rewrite budget) then fails the node.
func NewOrganizeNode(llm *adapter.LLMAdapter) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		ctx, cancel := withTimeout(ctx, TimeoutOrganize)
		defer cancel()

		var hits strings.Builder
		for _, r := range s.SearchResults {
			fmt.Fprintf(&hits, "- %s (%s): %s\n", r.Title, r.URL, r.Content)
		}
		user := fmt.Sprintf("Topic: %s\nRequirements: %s\n\nSearch findings:\n%s", s.Topic, s.Requirements, hits.String())
		messages := []model.Message{
			{Role: model.RoleSystem, Content: organizeSystemPrompt},
			{Role: model.RoleUser, Content: user},
		}

		var lastErr error
		for attempt := 0; attempt < 2; attempt++ {
			out, err := llm.Chat(ctx, NodeOrganize, messages, nil)
			if err != nil {
				lastErr = err
				continue
			}
			info, err := parseOrganized(out.Text)
			if err != nil {
				lastErr = err
				continue
			}
			return graph.NodeResult[State]{
				Delta: State{CurrentStep: NodeOrganize, OrganizedInfo: info},
				Route: graph.Goto(NodeWrite),
			}
		}
		return fail(fmt.Errorf("organize: %w", lastErr))
	}
}

var placeholderPattern = regexp.MustCompile(`image-placeholder-(\d+)`)

func countPlaceholders(article string) int {
	matches := placeholderPattern.FindAllStringSubmatch(article, -1)
	seen := map[string]bool{}
	for _, m := range matches {
		seen[m[1]] = true
	}
	return len(seen)
}

const writeSystemPrompt = `You write complete articles from an outline and requirements. Insert exactly
one "image-placeholder-N" marker (N starting at 1) per image you intend the
article to carry, at the point it belongs. Respond with the article only, no
commentary.`

// NewWriteNode builds the write node, which serves both the initial
// draft and rewrite modes: rewrite mode is entered whenever
// previous_content and a failed text_quality_report are both present.
func NewWriteNode(llm *adapter.LLMAdapter) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		ctx, cancel := withTimeout(ctx, TimeoutWrite)
		defer cancel()

		var user strings.Builder
		fmt.Fprintf(&user, "Topic: %s\nRequirements: %s\n", s.Topic, s.Requirements)
		if s.TargetAudience != "" {
			fmt.Fprintf(&user, "Audience: %s\n", s.TargetAudience)
		}
		if s.Tone != "" {
			fmt.Fprintf(&user, "Tone: %s\n", s.Tone)
		}
		fmt.Fprintf(&user, "Outline: %s\nKey points: %s\nSummary: %s\n",
			strings.Join(s.OrganizedInfo.Outline, "; "),
			strings.Join(s.OrganizedInfo.KeyPoints, "; "),
			s.OrganizedInfo.Summary)

		rewrite := s.PreviousContent != "" && s.TextQualityReport != nil && !s.TextQualityReport.Passed
		if rewrite {
			fmt.Fprintf(&user, "\nPrevious draft:\n%s\n\nFix suggestions:\n- %s\n",
				s.PreviousContent, strings.Join(s.TextQualityReport.FixSuggestions, "\n- "))
		}

		messages := []model.Message{
			{Role: model.RoleSystem, Content: writeSystemPrompt},
			{Role: model.RoleUser, Content: user.String()},
		}
		out, err := llm.Chat(ctx, NodeWrite, messages, nil)
		if err != nil {
			return fail(fmt.Errorf("write: %w", err))
		}

		n := countPlaceholders(out.Text)
		prompts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			prompts = append(prompts, fmt.Sprintf("illustration for %q, section %d", s.Topic, i))
		}

		return graph.NodeResult[State]{
			Delta: State{CurrentStep: NodeWrite, ArticleContent: out.Text, ImagePrompts: prompts},
			Route: graph.Goto(NodeCheckText),
		}
	}
}

// NewCheckTextNode builds check_text: runs the quality gate (C6) over
// the draft and, on failure, increments the in-state retry counter and
// preserves the draft as previous_content for the next rewrite.
func NewCheckTextNode(gate *quality.Gate) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		ctx, cancel := withTimeout(ctx, TimeoutCheckText)
		defer cancel()

		result, err := gate.CheckWithRules(ctx, s.Requirements, s.ArticleContent, hardRuleConfig(s.HardConstraints))
		if err != nil {
			return fail(fmt.Errorf("check_text: %w", err))
		}

		report := &QualityReport{
			Passed:                result.Passed,
			HardConstraintsPassed: result.HardRule.Passed,
			Score:                 result.Evaluation.Score,
			FixSuggestions:        result.Suggestions,
		}

		delta := State{CurrentStep: NodeCheckText, TextQualityReport: report}
		if !result.Passed {
			delta.TextRetryCount = s.TextRetryCount + 1
			delta.PreviousContent = s.ArticleContent
		}
		return graph.NodeResult[State]{Delta: delta, Route: graph.Goto(NodeRouteText)}
	}
}

// NewRouteTextNode builds route_text: a pure predicate over
// text_quality_report/text_retry_count (spec.md's table), expressed as
// a no-patch node so it shows up in traces the same way the other
// canonical nodes do.
func NewRouteTextNode(maxRetries int) graph.NodeFunc[State] {
	return func(_ context.Context, s State) graph.NodeResult[State] {
		if s.TextQualityReport != nil && s.TextQualityReport.Passed {
			return graph.NodeResult[State]{Route: graph.Goto(NodeGenerateImage)}
		}
		if s.TextRetryCount < maxRetries {
			return graph.NodeResult[State]{Route: graph.Goto(NodeWrite)}
		}
		suggestions := ""
		if s.TextQualityReport != nil {
			suggestions = strings.Join(s.TextQualityReport.FixSuggestions, "; ")
		}
		return fail(fmt.Errorf("text quality gate exhausted %d retries: %s", maxRetries, suggestions))
	}
}

// parseImageSize decodes a "WIDTHxHEIGHT" task.ImageSize into its
// orientation family plus the caller's requested dimensions; an
// empty/malformed size reports zero width/height so SelectSize treats
// it as no size requested and substitutes a canonical one.
func parseImageSize(size string) (orientation adapter.Orientation, width, height int) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return adapter.OrientationLandscape, 0, 0
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil {
		return adapter.OrientationLandscape, 0, 0
	}
	switch {
	case w > h:
		orientation = adapter.OrientationLandscape
	case h > w:
		orientation = adapter.OrientationPortrait
	default:
		orientation = adapter.OrientationSquare
	}
	return orientation, w, h
}

// NewGenerateImageNode builds generate_image: one Generate call per
// image_prompts entry, followed by a best-effort download to
// downloadDir (failure there never fails generation; the remote URL
// stays usable). Per-image failures are tolerated (skipped, not
// fatal); an adapter in Disabled mode routes straight to post_process,
// distinct from a provider simply failing.
func NewGenerateImageNode(img adapter.ImageAdapter, downloadDir string) graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		ctx, cancel := withTimeout(ctx, TimeoutGenerateImage)
		defer cancel()

		orientation, width, height := parseImageSize(s.ImageSize)
		images := make([]GeneratedImage, 0, len(s.ImagePrompts))
		for _, prompt := range s.ImagePrompts {
			result, err := img.Generate(ctx, adapter.ImageRequest{
				Prompt:      prompt,
				Orientation: orientation,
				Width:       width,
				Height:      height,
			})
			if err != nil {
				if errors.Is(err, adapter.ErrDisabled) {
					return graph.NodeResult[State]{
						Delta: State{CurrentStep: NodeGenerateImage},
						Route: graph.Goto(NodePostProcess),
					}
				}
				continue
			}
			localPath, dlErr := adapter.DownloadToFile(ctx, nil, result.URL, downloadDir)
			if dlErr != nil {
				localPath = ""
			}
			images = append(images, GeneratedImage{
				URL:       result.URL,
				LocalPath: localPath,
				Prompt:    prompt,
				Width:     result.Size.Width,
				Height:    result.Size.Height,
			})
		}

		return graph.NodeResult[State]{
			Delta: State{CurrentStep: NodeGenerateImage, Images: images},
			Route: graph.Goto(NodeCheckImage),
		}
	}
}

// NewCheckImageNode builds check_image: a hard-rule-only gate over the
// generated images (no LLM vision scoring in this design — see
// DESIGN.md). An empty image list is a vacuous pass: nothing was
// requested-and-missed if image generation produced nothing to grade.
func NewCheckImageNode() graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		_, cancel := withTimeout(ctx, TimeoutCheckImage)
		defer cancel()

		var notes []string
		passed := true
		if len(s.Images) > 0 {
			if len(s.Images) < len(s.ImagePrompts) {
				notes = append(notes, fmt.Sprintf("generated %d of %d requested images", len(s.Images), len(s.ImagePrompts)))
				passed = false
			}
			for i, im := range s.Images {
				if im.URL == "" {
					notes = append(notes, fmt.Sprintf("image %d has no URL", i))
					passed = false
				}
			}
		}

		report := &QualityReport{Passed: passed, HardConstraintsPassed: passed, FixSuggestions: notes}
		if passed {
			report.Score = 10
		}

		delta := State{CurrentStep: NodeCheckImage, ImageQualityReport: report}
		if !passed {
			delta.ImageRetryCount = s.ImageRetryCount + 1
		}
		return graph.NodeResult[State]{Delta: delta, Route: graph.Goto(NodeRouteImage)}
	}
}

// NewRouteImageNode builds route_image, symmetric to route_text.
func NewRouteImageNode(maxRetries int) graph.NodeFunc[State] {
	return func(_ context.Context, s State) graph.NodeResult[State] {
		if s.ImageQualityReport != nil && s.ImageQualityReport.Passed {
			return graph.NodeResult[State]{Route: graph.Goto(NodePostProcess)}
		}
		if s.ImageRetryCount < maxRetries {
			return graph.NodeResult[State]{Route: graph.Goto(NodeGenerateImage)}
		}
		suggestions := ""
		if s.ImageQualityReport != nil {
			suggestions = strings.Join(s.ImageQualityReport.FixSuggestions, "; ")
		}
		return fail(fmt.Errorf("image quality gate exhausted %d retries: %s", maxRetries, suggestions))
	}
}

// NewPostProcessNode builds post_process: a pure transform replacing
// each image-placeholder-N marker with a markdown image link to the
// corresponding generated image (by position).
func NewPostProcessNode() graph.NodeFunc[State] {
	return func(ctx context.Context, s State) graph.NodeResult[State] {
		_, cancel := withTimeout(ctx, TimeoutPostProcess)
		defer cancel()

		final := s.ArticleContent
		for i, img := range s.Images {
			marker := fmt.Sprintf("image-placeholder-%d", i+1)
			ref := img.URL
			if img.LocalPath != "" {
				ref = img.LocalPath
			}
			final = strings.ReplaceAll(final, marker, fmt.Sprintf("![%s](%s)", img.Prompt, ref))
		}

		return graph.NodeResult[State]{
			Delta: State{CurrentStep: NodePostProcess, FinalArticleContent: final},
			Route: graph.Stop(),
		}
	}
}
