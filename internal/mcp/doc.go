// Package mcp is the client side of the Model Context Protocol tool provider
// connection. It spawns the provider as a child process, speaks
// newline-delimited JSON-RPC 2.0 over its stdio, discovers the tool catalog
// and invokes tools with per-attempt timeouts and bounded retries. Raw tool
// responses are reduced to a canonical text payload by Normalize.
package mcp
