// Package session holds per-user conversational state in memory.
//
// Sessions are created lazily, keep only the most recent messages, and are
// evicted by a periodic sweep after thirty minutes of inactivity. Nothing
// survives a process restart; a user whose session was swept simply starts
// a fresh conversation.
package session
