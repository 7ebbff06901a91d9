// Package conversation holds the ordered turn log exchanged between the
// hosting layer and the agent. A Conversation is append-only: turns are never
// edited once added, so a shallow copy is a safe snapshot.
package conversation
