package tokenizer

import (
	"math"
	"strings"
)

// Estimator counts the approximate token cost of a text blob.
type Estimator interface {
	// Estimate returns the token count for text. Blank text is 0.
	Estimate(text string) int

	// ExceedsLimit reports whether text estimates above limit tokens.
	ExceedsLimit(text string, limit int) bool
}

// punctuation is the fixed set counted by the heuristic.
const punctuation = `.,!?;:-()[]{}"'`

// Heuristic is a pure, deterministic estimator: it splits on
// whitespace runs for a word count W, counts punctuation marks P from
// a fixed set, and returns ceil(W*1.3 + P). It needs no encoding data
// and is cheap enough to run on every append.
type Heuristic struct{}

// NewHeuristic creates the word/punctuation estimator.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Estimate implements Estimator.
func (h *Heuristic) Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	words := len(strings.Fields(text))

	punct := 0
	for _, r := range text {
		if strings.ContainsRune(punctuation, r) {
			punct++
		}
	}

	return int(math.Ceil(float64(words)*1.3 + float64(punct)))
}

// ExceedsLimit implements Estimator.
func (h *Heuristic) ExceedsLimit(text string, limit int) bool {
	return h.Estimate(text) > limit
}
