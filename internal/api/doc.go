// Package api exposes the agent over HTTP: the chat endpoints used by the web
// front end, direct tool calls, asynchronous query tasks, a websocket chat
// channel, health checks and Prometheus metrics.
package api
