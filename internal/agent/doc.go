// Package agent contains the orchestrator that turns one user utterance into
// zero or more tool invocations and a final answer. A turn runs through
// SEED, AWAIT_TOOL_SELECTION, DISPATCH_TOOLS and AWAIT_SUMMARY before reaching
// DONE; a summary failure produces a reduced DEGRADED reply. The orchestrator
// holds no conversation state: callers pass a snapshot in and persist the one
// handed back.
package agent
