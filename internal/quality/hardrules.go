// Package quality implements the two-tier quality gate (C4-C6): a
// deterministic hard-rule checker, an LLM-scored soft evaluator, and
// the gate that combines both into a pass/fail verdict with fix
// suggestions.
package quality

import (
	"strconv"
	"strings"
	"unicode"
)

// HardRuleConfig bounds the deterministic checks. Zero values disable
// the corresponding check.
type HardRuleConfig struct {
	MinWords         int
	MaxWords         int
	RequiredKeywords []string
	ForbiddenWords   []string
	Locale           string // "zh" counts characters instead of words
}

// HardRuleResult is the outcome of running the deterministic checks.
type HardRuleResult struct {
	Passed bool
	Notes  []string
}

// CheckText runs every configured hard rule against text and returns a
// combined result; Notes explains every failing rule, Passed is true
// only if all of them hold.
func CheckText(text string, cfg HardRuleConfig) HardRuleResult {
	var notes []string

	count := wordOrCharCount(text, cfg.Locale)
	if cfg.MinWords > 0 && count < cfg.MinWords {
		notes = append(notes, countNote("below minimum", count, cfg.MinWords, cfg.Locale))
	}
	if cfg.MaxWords > 0 && count > cfg.MaxWords {
		notes = append(notes, countNote("above maximum", count, cfg.MaxWords, cfg.Locale))
	}

	lower := strings.ToLower(text)
	for _, kw := range cfg.RequiredKeywords {
		if kw == "" {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(kw)) {
			notes = append(notes, "missing required keyword: "+kw)
		}
	}
	for _, fw := range cfg.ForbiddenWords {
		if fw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(fw)) {
			notes = append(notes, "contains forbidden word: "+fw)
		}
	}

	notes = append(notes, checkStructure(text)...)

	return HardRuleResult{Passed: len(notes) == 0, Notes: notes}
}

func countNote(kind string, got, bound int, locale string) string {
	unit := "words"
	if locale == "zh" {
		unit = "characters"
	}
	return "word count " + kind + ": got " + strconv.Itoa(got) + " " + unit + ", bound " + strconv.Itoa(bound)
}

// wordOrCharCount counts words for most locales; Chinese (and other
// CJK text without whitespace word boundaries) is counted by
// non-space rune instead, since splitting on whitespace would treat an
// entire paragraph as one "word".
func wordOrCharCount(text string, locale string) int {
	if locale == "zh" {
		count := 0
		for _, r := range text {
			if !unicode.IsSpace(r) {
				count++
			}
		}
		return count
	}
	return len(strings.Fields(text))
}

// Structural thresholds taken from the orchestrator's content-quality
// policy: a title must be short or formatted as a heading, the intro
// must land in the first few lines with a sane length, and the
// conclusion's final line must be substantial.
const (
	maxTitleLen       = 40
	introMaxLines     = 3
	introMinLen       = 10
	introMaxLen       = 300
	conclusionMinLen  = 10
)

func checkStructure(text string) []string {
	var notes []string
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 {
		return []string{"empty content"}
	}

	title := strings.TrimSpace(lines[0])
	if !strings.HasPrefix(title, "#") && len(title) > maxTitleLen {
		notes = append(notes, "title exceeds length bound and isn't a heading")
	}

	introLines := lines
	if len(introLines) > introMaxLines {
		introLines = introLines[:introMaxLines]
	}
	intro := strings.TrimSpace(strings.Join(introLines, " "))
	if len(intro) < introMinLen || len(intro) > introMaxLen {
		notes = append(notes, "intro length outside expected bounds")
	}

	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if len(lastLine) <= conclusionMinLen {
		notes = append(notes, "conclusion line too short")
	}

	return notes
}
