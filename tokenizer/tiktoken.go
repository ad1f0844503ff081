package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Tiktoken is a BPE-backed estimator for OpenAI-family models. The
// encoding is loaded lazily (first use may download data); if loading
// fails the estimator degrades to the heuristic rather than erroring,
// since an approximate count is always acceptable here.
type Tiktoken struct {
	encoding string
	fallback *Heuristic

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktoken creates an estimator for the given model. Unknown models
// use cl100k_base, matched by prefix first.
func NewTiktoken(model string) *Tiktoken {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding, ok = e, true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}

	return &Tiktoken{
		encoding: encoding,
		fallback: NewHeuristic(),
	}
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	return t.initErr
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// ExceedsLimit implements Estimator.
func (t *Tiktoken) ExceedsLimit(text string, limit int) bool {
	return t.Estimate(text) > limit
}
