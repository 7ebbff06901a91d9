// Package llm defines the chat-completion contract the agent relies on: an
// ordered turn history, an optional tool catalog and a tool-choice mode in,
// either text or tool-call requests out. Provider adapters live in
// subpackages.
package llm
