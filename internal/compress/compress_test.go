package compress

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// PASSTHROUGH
// ============================================================================

func TestCompressor_UnderLimitUnchanged(t *testing.T) {
	c := New(DefaultConfig())

	turns := []Turn{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello there."},
		{Role: "assistant", Content: "Hi! How can I help?"},
	}

	result := c.Compress(turns)

	assert.Equal(t, turns, result.Turns)
	assert.Equal(t, result.OriginalTokens, result.CompressedTokens)
	assert.Equal(t, 1.0, result.Ratio)
	assert.Equal(t, 0, result.TurnsRemoved)
	assert.Empty(t, result.Summary)
}

func TestCompressor_EmptyInput(t *testing.T) {
	c := New(DefaultConfig())

	result := c.Compress(nil)

	assert.Empty(t, result.Turns)
	assert.Equal(t, 0, result.OriginalTokens)
	assert.Equal(t, 1.0, result.Ratio)
}

// ============================================================================
// SUMMARIZATION
// ============================================================================

func TestCompressor_SummarizesOldTurns(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 60,
		WindowSize:       2,
		SummarizeOld:     true,
		MaxSummaryTokens: 30,
		MinTurnLength:    10,
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	turns := []Turn{
		{Role: "system", Content: "You are a helpful assistant.", Timestamp: base},
		{Role: "user", Content: "Tell me about Go concurrency." + strings.Repeat(" filler", 40), Timestamp: base.Add(1 * time.Minute)},
		{Role: "assistant", Content: "Goroutines are lightweight threads." + strings.Repeat(" filler", 40), Timestamp: base.Add(2 * time.Minute)},
		{Role: "user", Content: "What about channels here?", Timestamp: base.Add(3 * time.Minute)},
		{Role: "assistant", Content: "Channels pass values safely.", Timestamp: base.Add(4 * time.Minute)},
	}

	result := c.Compress(turns)

	require.Len(t, result.Turns, 4)

	// Original system turn stays first.
	assert.Equal(t, "You are a helpful assistant.", result.Turns[0].Content)

	// The synthetic summary sits where the replaced turns were, carrying
	// the timestamp of the latest one.
	summary := result.Turns[1]
	assert.Equal(t, "system", summary.Role)
	assert.True(t, strings.HasPrefix(summary.Content, "[Context summary:"))
	assert.Contains(t, summary.Content, "user: Tell me about Go concurrency.")
	assert.Contains(t, summary.Content, "assistant: Goroutines are lightweight threads.")
	assert.True(t, summary.Timestamp.Equal(base.Add(2*time.Minute)))

	// The live window survives verbatim, in order.
	assert.Equal(t, "What about channels here?", result.Turns[2].Content)
	assert.Equal(t, "Channels pass values safely.", result.Turns[3].Content)

	assert.Equal(t, 2, result.TurnsRemoved)
	assert.Equal(t, summary.Content, result.Summary)
	assert.LessOrEqual(t, result.CompressedTokens, 60)
	assert.Less(t, result.Ratio, 1.0)
}

func TestCompressor_SystemTurnsAlwaysKept(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 60,
		WindowSize:       1,
		SummarizeOld:     true,
		MaxSummaryTokens: 20,
		MinTurnLength:    10,
	})

	turns := []Turn{
		{Role: "system", Content: "Rule one stays."},
		{Role: "user", Content: "Please remember the project deadline." + strings.Repeat(" pad", 50)},
		{Role: "assistant", Content: "The deadline is Friday at noon." + strings.Repeat(" pad", 50)},
		{Role: "system", Content: "Rule two arrives later in the stream."},
		{Role: "user", Content: "Confirm the schedule."},
	}

	result := c.Compress(turns)

	require.Len(t, result.Turns, 4)
	assert.Equal(t, "Rule one stays.", result.Turns[0].Content)
	assert.True(t, strings.HasPrefix(result.Turns[1].Content, "[Context summary:"))
	assert.Contains(t, result.Turns[1].Content, "user: Please remember the project deadline.")
	assert.Equal(t, "Rule two arrives later in the stream.", result.Turns[2].Content)
	assert.Equal(t, "Confirm the schedule.", result.Turns[3].Content)
	assert.LessOrEqual(t, result.CompressedTokens, 60)
}

func TestCompressor_ShortTurnsSkippedInSummary(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 40,
		WindowSize:       1,
		SummarizeOld:     true,
		MaxSummaryTokens: 50,
		MinTurnLength:    20,
	})

	turns := []Turn{
		{Role: "user", Content: "ok"},
		{Role: "assistant", Content: "Understood, I will proceed with the plan." + strings.Repeat(" pad", 100)},
		{Role: "user", Content: "yes"},
		{Role: "user", Content: "Now summarize everything for me please."},
	}

	result := c.Compress(turns)

	require.NotEmpty(t, result.Summary)
	assert.Contains(t, result.Summary, "assistant: Understood, I will proceed with the plan.")
	assert.NotContains(t, result.Summary, "user:")
	assert.Equal(t, 3, result.TurnsRemoved)
}

func TestCompressor_SummaryClippedToBudget(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 30,
		WindowSize:       1,
		SummarizeOld:     true,
		MaxSummaryTokens: 100,
		MinTurnLength:    5,
	})

	turns := []Turn{
		{Role: "user", Content: "Alpha beta gamma delta epsilon zeta eta theta." + strings.Repeat(" pad", 30)},
		{Role: "assistant", Content: "Iota kappa lambda mu nu xi omicron pi rho sigma." + strings.Repeat(" pad", 30)},
		{Role: "user", Content: "Final question."},
	}

	result := c.Compress(turns)

	require.Len(t, result.Turns, 2)
	assert.True(t, strings.HasPrefix(result.Summary, "[Context summary:"))
	assert.True(t, strings.HasSuffix(result.Summary, "]"))
	assert.LessOrEqual(t, result.CompressedTokens, 30)
}

func TestCompressor_LongDialogueBoundedByBudget(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 2000,
		WindowSize:       5,
		SummarizeOld:     true,
		MaxSummaryTokens: 500,
		CharsPerToken:    4,
	})

	// Twenty alternating 1000-char turns, no system turns.
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	turns := make([]Turn, 20)
	for i := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		lead := fmt.Sprintf("Topic %02d background.", i)
		turns[i] = Turn{
			Role:      role,
			Content:   lead + strings.Repeat("x", 1000-len(lead)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}

	result := c.Compress(turns)

	// One synthetic summary plus the five-turn live window.
	require.Len(t, result.Turns, 6)
	assert.Equal(t, 15, result.TurnsRemoved)
	assert.Less(t, result.Ratio, 1.0)
	assert.LessOrEqual(t, result.CompressedTokens, 2000)

	summary := result.Turns[0]
	assert.Equal(t, "system", summary.Role)
	assert.True(t, strings.HasPrefix(summary.Content, "[Context summary:"))
	assert.LessOrEqual(t, (len(summary.Content)+3)/4, 500)
	assert.Contains(t, summary.Content, "user: Topic 00 background.")
	assert.Contains(t, summary.Content, "user: Topic 14 background.")
	assert.NotContains(t, summary.Content, "Topic 15")

	for i := 0; i < 5; i++ {
		assert.Equal(t, turns[15+i], result.Turns[i+1])
	}
}

// ============================================================================
// TRUNCATION
// ============================================================================

func TestCompressor_TruncationDropsLowPriorityRoles(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 16,
		WindowSize:       1,
		SummarizeOld:     false,
		PriorityRoles:    []string{"user", "assistant"},
	})

	turns := []Turn{
		{Role: "user", Content: strings.Repeat("u", 40)},
		{Role: "assistant", Content: strings.Repeat("a", 40)},
		{Role: "tool", Content: strings.Repeat("t", 40)},
		{Role: "user", Content: strings.Repeat("w", 20)},
	}

	result := c.Compress(turns)

	require.Len(t, result.Turns, 2)
	assert.Equal(t, strings.Repeat("u", 40), result.Turns[0].Content)
	assert.Equal(t, strings.Repeat("w", 20), result.Turns[1].Content)
	assert.Equal(t, 2, result.TurnsRemoved)
	assert.Empty(t, result.Summary)
	assert.LessOrEqual(t, result.CompressedTokens, 16)
}

func TestCompressor_TruncationPrefersNewerWithinRole(t *testing.T) {
	c := New(Config{
		MaxContextTokens: 16,
		WindowSize:       1,
		SummarizeOld:     false,
		PriorityRoles:    []string{"user"},
	})

	turns := []Turn{
		{Role: "user", Content: "older " + strings.Repeat("x", 34)},
		{Role: "user", Content: "newer " + strings.Repeat("y", 34)},
		{Role: "user", Content: strings.Repeat("w", 20)},
	}

	result := c.Compress(turns)

	require.Len(t, result.Turns, 2)
	assert.True(t, strings.HasPrefix(result.Turns[0].Content, "newer"))
	assert.Equal(t, strings.Repeat("w", 20), result.Turns[1].Content)
}

// ============================================================================
// HELPERS
// ============================================================================

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "One.", firstSentence("One. Two. Three."))
	assert.Equal(t, "Really?", firstSentence("Really? Yes."))
	assert.Equal(t, "Stop!", firstSentence("  Stop! Now."))
	assert.Equal(t, "no punctuation at all", firstSentence("no punctuation at all"))
}

func TestCompressor_TokenEstimate(t *testing.T) {
	c := New(DefaultConfig())

	assert.Equal(t, 0, c.turnTokens(Turn{Content: ""}))
	assert.Equal(t, 1, c.turnTokens(Turn{Content: "abcd"}))
	assert.Equal(t, 2, c.turnTokens(Turn{Content: "abcde"}))
}
