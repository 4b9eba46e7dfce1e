package router

import (
	"regexp"
	"strings"
)

// Complexity is the three-valued routing tag for a prompt.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// Valid reports whether c is one of the three known values.
func (c Complexity) Valid() bool {
	return c == Simple || c == Moderate || c == Complex
}

// Pattern tables are compiled once at init. Complex patterns are checked
// first: a prompt that asks to "design" something is complex even when it
// also says "list the steps".
var (
	complexPatterns = []*regexp.Regexp{
		// Engineering verbs that imply multi-step reasoning.
		regexp.MustCompile(`(?i)\b(analyz|architect|design|refactor|optimi[sz]|implement|debug|diagnos)\w*\b`),
		// Security territory.
		regexp.MustCompile(`(?i)\b(security|vulnerab|exploit|penetration|threat model|crypto)\w*\b`),
		// Algorithmic work.
		regexp.MustCompile(`(?i)\b(algorithm|data structure|time complexity|big-?o|concurren|distributed|scalab)\w*\b`),
		regexp.MustCompile(`(?i)\b(prove|derive|formal)\b`),
	}

	simplePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(list|show|print|name)\b`),
		regexp.MustCompile(`(?i)\bwhat('?s| is| are| time)\b`),
		regexp.MustCompile(`(?i)\b(summari[sz]e|tl;?dr)\b`),
		regexp.MustCompile(`(?i)\b(translate|convert) \b`),
		regexp.MustCompile(`(?i)\b(define|meaning of)\b`),
	}
)

const (
	simpleLengthMax  = 100
	complexLengthMin = 1000
)

// ClassifyPrompt tags a prompt for candidate selection. Pattern matches
// win over the length heuristic, and complex patterns win over simple
// ones.
func ClassifyPrompt(prompt string) Complexity {
	text := strings.TrimSpace(prompt)

	for _, re := range complexPatterns {
		if re.MatchString(text) {
			return Complex
		}
	}
	for _, re := range simplePatterns {
		if re.MatchString(text) {
			return Simple
		}
	}

	switch {
	case len(text) < simpleLengthMax:
		return Simple
	case len(text) > complexLengthMin:
		return Complex
	default:
		return Moderate
	}
}

// priorityFor maps a complexity to a batcher priority: heavier prompts
// jump the queue so interactive work is not starved by bulk simple
// traffic arriving in the same tick.
func priorityFor(c Complexity) int {
	switch c {
	case Complex:
		return 2
	case Moderate:
		return 1
	default:
		return 0
	}
}
