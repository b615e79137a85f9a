package contextopt

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is one chronological history entry under consideration.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Window is the selected subset accompanying a request, in original
// chronological order.
type Window struct {
	MaxTokens     int                `json:"maxTokens"`
	CurrentTokens int                `json:"currentTokens"`
	Messages      []Message          `json:"messages"`
	Importance    map[string]float64 `json:"importance"`
}

// DefaultMaxTokens is the budget used when a call passes none.
const DefaultMaxTokens = 8000

const (
	headKeep = 2 // earliest messages always considered first
	tailKeep = 3 // latest messages always considered first
)

// EstimateTokens approximates token count as len/4 rounded up. This is a
// documented character-count heuristic, not a real tokenizer.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Optimizer reduces chronological message history to fit a token budget,
// favoring behaviorally relevant content. Optimization never fails; the
// worst case returns only the always-included subset. Results are cached
// per session id and overwritten on the next call.
type Optimizer struct {
	strategies       []strategy
	defaultMaxTokens int
	log              *logrus.Entry

	mu    sync.Mutex
	cache map[string]*Window
}

type Option func(*Optimizer)

func WithLogger(logger *logrus.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.log = logger.WithField("component", "contextopt")
		}
	}
}

// WithDefaultMaxTokens overrides the budget applied when a call passes none.
func WithDefaultMaxTokens(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.defaultMaxTokens = n
		}
	}
}

func NewOptimizer(opts ...Option) *Optimizer {
	o := &Optimizer{
		strategies:       defaultStrategies(),
		defaultMaxTokens: DefaultMaxTokens,
		log:              logrus.StandardLogger().WithField("component", "contextopt"),
		cache:            map[string]*Window{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Optimize selects a budget-fitting subsequence of messages. Selection
// order: the earliest 2 and latest 3 messages first (greedy, each still
// subject to the remaining budget), then the rest by descending importance
// with ties broken by original position. The output is re-sorted to
// original chronological order. Deterministic for identical input.
func (o *Optimizer) Optimize(sessionID string, messages []Message, maxTokens int) *Window {
	if maxTokens <= 0 {
		maxTokens = o.defaultMaxTokens
	}

	window := &Window{
		MaxTokens:  maxTokens,
		Importance: map[string]float64{},
	}

	total := len(messages)
	for idx, m := range messages {
		window.Importance[m.ID] = importanceOf(o.strategies, m, idx, total)
	}

	selected := make([]bool, total)
	budget := maxTokens
	admit := func(idx int) {
		if selected[idx] {
			return
		}
		cost := EstimateTokens(messages[idx].Content)
		if cost > budget {
			return
		}
		selected[idx] = true
		budget -= cost
	}

	for idx := 0; idx < total && idx < headKeep; idx++ {
		admit(idx)
	}
	for idx := total - tailKeep; idx < total; idx++ {
		if idx >= 0 {
			admit(idx)
		}
	}

	remaining := make([]int, 0, total)
	for idx := 0; idx < total; idx++ {
		if !selected[idx] {
			remaining = append(remaining, idx)
		}
	}
	sort.SliceStable(remaining, func(a, b int) bool {
		ia := window.Importance[messages[remaining[a]].ID]
		ib := window.Importance[messages[remaining[b]].ID]
		if ia != ib {
			return ia > ib
		}
		return remaining[a] < remaining[b]
	})
	for _, idx := range remaining {
		admit(idx)
	}

	count := 0
	for idx := 0; idx < total; idx++ {
		if selected[idx] {
			window.Messages = append(window.Messages, messages[idx])
			count++
		}
	}

	// Degenerate budget: nothing fit at all. Keep the latest message anyway
	// so the caller never sends an empty context; this is the one case where
	// the estimated token sum may exceed the budget.
	if count == 0 && total > 0 {
		window.Messages = append(window.Messages, messages[total-1])
	}

	window.CurrentTokens = 0
	for _, m := range window.Messages {
		window.CurrentTokens += EstimateTokens(m.Content)
	}

	o.mu.Lock()
	o.cache[sessionID] = window
	o.mu.Unlock()

	if dropped := total - len(window.Messages); dropped > 0 {
		o.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"kept":       len(window.Messages),
			"dropped":    dropped,
			"tokens":     window.CurrentTokens,
		}).Debug("context trimmed to budget")
	}
	return window
}

// Cached returns the last computed window for a session, or nil.
func (o *Optimizer) Cached(sessionID string) *Window {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache[sessionID]
}
