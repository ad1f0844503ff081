// Package chat drives one conversation turn end to end: persist the
// user message, build a token-budgeted context window, stream the
// completion, and retry transient failures with jittered exponential
// backoff — re-emitting deltas and retry progress to the consumer as
// an ordered event stream.
package chat
