// Package auth guards the HTTP API with static bearer tokens. Each key maps
// to a named subject with a permission set; an empty key list disables the
// guard.
package auth
