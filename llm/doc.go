// Package llm defines the streaming completion provider contract, the
// boundary error classifier that maps raw failures onto the closed
// types.AIError taxonomy, and Source, the timeout-enforcing wrapper the
// chat orchestrator consumes.
package llm
