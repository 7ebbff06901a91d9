// Package metrics owns the process-wide Prometheus registry: HTTP request
// counters and latencies recorded by the API middleware, tool invocation
// outcomes reported by the MCP client, plus the Go runtime and process
// collectors.
package metrics
