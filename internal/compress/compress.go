// Package compress shrinks conversation history to fit a model's context
// budget. System turns are always kept, the newest turns survive
// verbatim, and everything older is folded into one synthetic summary
// turn or dropped in priority order.
package compress

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// TYPES
// ============================================================================

// Turn is one conversation message with an optional wall-clock stamp.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Config tunes the compressor. Zero values take the defaults below.
type Config struct {
	MaxContextTokens int      `json:"max_context_tokens" yaml:"max_context_tokens"`
	WindowSize       int      `json:"window_size" yaml:"window_size"`
	SummarizeOld     bool     `json:"summarize_old" yaml:"summarize_old"`
	MaxSummaryTokens int      `json:"max_summary_tokens" yaml:"max_summary_tokens"`
	CharsPerToken    int      `json:"chars_per_token" yaml:"chars_per_token"`
	PriorityRoles    []string `json:"priority_roles" yaml:"priority_roles"`
	MinTurnLength    int      `json:"min_turn_length" yaml:"min_turn_length"`
}

// DefaultConfig matches an 8K-context model with a 10-turn live window.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens: 8000,
		WindowSize:       10,
		SummarizeOld:     true,
		MaxSummaryTokens: 500,
		CharsPerToken:    4,
		PriorityRoles:    []string{"system", "user", "assistant"},
		MinTurnLength:    20,
	}
}

// Result reports what compression did.
type Result struct {
	Turns            []Turn  `json:"turns"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	Ratio            float64 `json:"ratio"`
	TurnsRemoved     int     `json:"turns_removed"`
	Summary          string  `json:"summary,omitempty"`
}

// summaryPrefix marks the synthetic turn so downstream consumers can
// recognize it.
const summaryPrefix = "[Context summary:"

// ============================================================================
// COMPRESSOR
// ============================================================================

// Compressor applies one Config to turn lists.
type Compressor struct {
	cfg Config
}

// New normalizes the config and returns a compressor.
func New(cfg Config) *Compressor {
	def := DefaultConfig()
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = def.MaxSummaryTokens
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = def.CharsPerToken
	}
	if len(cfg.PriorityRoles) == 0 {
		cfg.PriorityRoles = def.PriorityRoles
	}
	if cfg.MinTurnLength <= 0 {
		cfg.MinTurnLength = def.MinTurnLength
	}
	return &Compressor{cfg: cfg}
}

// indexedTurn carries the original position for order restoration.
type indexedTurn struct {
	Turn
	idx int
}

// Compress fits turns into the token budget and reports the outcome.
func (c *Compressor) Compress(turns []Turn) Result {
	original := c.totalTokens(turns)
	if original <= c.cfg.MaxContextTokens {
		out := append([]Turn(nil), turns...)
		return Result{
			Turns:            out,
			OriginalTokens:   original,
			CompressedTokens: original,
			Ratio:            1.0,
		}
	}

	indexed := make([]indexedTurn, len(turns))
	for i, t := range turns {
		indexed[i] = indexedTurn{Turn: t, idx: i}
	}

	var system, rest []indexedTurn
	for _, t := range indexed {
		if t.Role == "system" {
			system = append(system, t)
		} else {
			rest = append(rest, t)
		}
	}

	// The newest turns survive verbatim.
	windowStart := len(rest) - c.cfg.WindowSize
	if windowStart < 0 {
		windowStart = 0
	}
	window := rest[windowStart:]
	old := rest[:windowStart]

	kept := append(append([]indexedTurn(nil), system...), window...)
	budget := c.cfg.MaxContextTokens - c.tokensOf(kept)

	var (
		summary string
		removed = len(old)
	)

	if len(old) > 0 && c.cfg.SummarizeOld {
		maxTokens := c.cfg.MaxSummaryTokens
		if budget < maxTokens {
			maxTokens = budget
		}
		if maxTokens > 0 {
			summary = c.summarize(old, maxTokens)
		}
		if summary != "" {
			latest := old[len(old)-1]
			kept = append(kept, indexedTurn{
				Turn: Turn{
					Role:      "system",
					Content:   summary,
					Timestamp: latest.Timestamp,
				},
				idx: latest.idx,
			})
		}
	} else if len(old) > 0 {
		// Truncation path: re-admit old turns by role priority while
		// the budget allows.
		readmitted := c.truncate(old, budget)
		removed = len(old) - len(readmitted)
		kept = append(kept, readmitted...)
	}

	sortTurns(kept)

	out := make([]Turn, len(kept))
	for i, t := range kept {
		out[i] = t.Turn
	}

	compressed := c.totalTokens(out)
	ratio := 1.0
	if original > 0 {
		ratio = float64(compressed) / float64(original)
	}

	return Result{
		Turns:            out,
		OriginalTokens:   original,
		CompressedTokens: compressed,
		Ratio:            ratio,
		TurnsRemoved:     removed,
		Summary:          summary,
	}
}

// ============================================================================
// SUMMARIZATION & TRUNCATION
// ============================================================================

// summarize extracts the first sentence of each substantial old turn and
// folds them into one budget-bounded system note.
func (c *Compressor) summarize(old []indexedTurn, maxTokens int) string {
	var lines []string
	for _, t := range old {
		if len(t.Content) < c.cfg.MinTurnLength {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, firstSentence(t.Content)))
	}
	if len(lines) == 0 {
		return ""
	}

	body := summaryPrefix + " " + strings.Join(lines, " | ") + "]"

	maxChars := maxTokens * c.cfg.CharsPerToken
	if len(body) > maxChars {
		if maxChars <= len(summaryPrefix)+1 {
			return ""
		}
		body = body[:maxChars-1] + "]"
	}
	return body
}

// truncate keeps old turns in priority-role order until the budget runs
// out. Within a role, newer turns win. The caller restores ordering.
func (c *Compressor) truncate(old []indexedTurn, budget int) []indexedTurn {
	rank := make(map[string]int, len(c.cfg.PriorityRoles))
	for i, role := range c.cfg.PriorityRoles {
		rank[role] = i
	}

	candidates := append([]indexedTurn(nil), old...)
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, iOK := rank[candidates[i].Role]
		rj, jOK := rank[candidates[j].Role]
		if !iOK {
			ri = len(rank)
		}
		if !jOK {
			rj = len(rank)
		}
		if ri != rj {
			return ri < rj
		}
		// Newer first within the same role.
		return candidates[i].idx > candidates[j].idx
	})

	var kept []indexedTurn
	for _, t := range candidates {
		cost := c.turnTokens(t.Turn)
		if cost > budget {
			continue
		}
		budget -= cost
		kept = append(kept, t)
	}
	return kept
}

// firstSentence cuts at the first terminal punctuation mark.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
	}
	return text
}

// sortTurns restores conversational order: timestamps when both sides
// have them, original index otherwise.
func sortTurns(turns []indexedTurn) {
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		if !a.Timestamp.IsZero() && !b.Timestamp.IsZero() && !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.idx < b.idx
	})
}

// ============================================================================
// TOKEN MATH
// ============================================================================

func (c *Compressor) turnTokens(t Turn) int {
	if len(t.Content) == 0 {
		return 0
	}
	return (len(t.Content) + c.cfg.CharsPerToken - 1) / c.cfg.CharsPerToken
}

func (c *Compressor) totalTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += c.turnTokens(t)
	}
	return total
}

func (c *Compressor) tokensOf(turns []indexedTurn) int {
	total := 0
	for _, t := range turns {
		total += c.turnTokens(t.Turn)
	}
	return total
}
