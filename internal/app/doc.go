// Package app wires configuration into running components: the language
// model client, the MCP connector, session and task storage, the task
// processor and the chat service. Both the daemon and the console binary
// build their dependency graph through Build.
package app
