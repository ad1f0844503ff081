// Package tokenizer estimates the token cost of text before it is sent
// to a completion API.
//
// Two implementations are provided: Heuristic, a deterministic
// word-and-punctuation estimator with no external data, and Tiktoken,
// which uses real BPE encodings for OpenAI-family models and falls back
// to the heuristic when the encoding cannot be loaded.
package tokenizer
