// Package redis stores per-session conversation snapshots in Redis so that
// several agent hosts can serve the same sessions.
package redis
