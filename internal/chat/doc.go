// Package chat hosts the agent for interactive callers.
//
// A Service owns the tool-provider connection, which it opens in the
// background, plus per-session conversation history. Turns for the same
// session are serialized and every returned snapshot is persisted through a
// SessionStore. The HTTP API, the websocket endpoint, the console REPL and
// the async task processor all go through the same Service.
package chat
