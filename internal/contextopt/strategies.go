package contextopt

import (
	"regexp"
	"strings"
)

// A strategy decides whether a message is behaviorally relevant and how
// strongly. Importance is the average of score*priority over matching
// strategies; a message matched by nothing scores defaultImportance.
type strategy struct {
	name     string
	priority float64
	matches  func(m Message, idx, total int) bool
	score    func(m Message, idx, total int) float64
}

const defaultImportance = 1.0

// recencyWindow is how many trailing messages the recency strategy covers.
const recencyWindow = 5

var errorKeywords = []string{"error", "failed", "failure", "exception", "panic", "fatal"}

var decisionKeywords = []string{"decided", "decision", "instead of", "approach", "we should", "let's", "agreed"}

// filePathPattern matches tokens that look like file paths: at least one
// separator and a dotted extension.
var filePathPattern = regexp.MustCompile(`[\w.-]+/[\w./-]*\w+\.\w{1,8}`)

func defaultStrategies() []strategy {
	return []strategy{
		{
			name:     "recency",
			priority: 1.5,
			matches: func(_ Message, idx, total int) bool {
				return total-idx <= recencyWindow
			},
			score: func(_ Message, idx, total int) float64 {
				// Newer messages score higher inside the window.
				return float64(10 - (total - 1 - idx))
			},
		},
		{
			name:     "errors",
			priority: 2.0,
			matches: func(m Message, _, _ int) bool {
				return containsAny(m.Content, errorKeywords)
			},
			score: func(_ Message, _, _ int) float64 { return 8 },
		},
		{
			name:     "code",
			priority: 1.2,
			matches: func(m Message, _, _ int) bool {
				return strings.Contains(m.Content, "```")
			},
			score: func(_ Message, _, _ int) float64 { return 6 },
		},
		{
			name:     "decisions",
			priority: 1.8,
			matches: func(m Message, _, _ int) bool {
				return containsAny(m.Content, decisionKeywords)
			},
			score: func(_ Message, _, _ int) float64 { return 7 },
		},
		{
			name:     "file-paths",
			priority: 1.0,
			matches: func(m Message, _, _ int) bool {
				return filePathPattern.MatchString(m.Content)
			},
			score: func(_ Message, _, _ int) float64 { return 5 },
		},
	}
}

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// importanceOf averages score*priority over matching strategies.
func importanceOf(strategies []strategy, m Message, idx, total int) float64 {
	var sum float64
	matched := 0
	for _, s := range strategies {
		if s.matches(m, idx, total) {
			sum += s.score(m, idx, total) * s.priority
			matched++
		}
	}
	if matched == 0 {
		return defaultImportance
	}
	return sum / float64(matched)
}
