// Package sqlstore provides the relational persistence used by the agent
// host: a shared connection helper for the mysql and sqlite3 drivers, the
// embedded schema migrations, and a session store that keeps one
// conversation snapshot per session id.
package sqlstore
