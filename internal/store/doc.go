// Package store owns the volatile, append-only message log for the bridged
// account. A Conversation is not stored directly: it is the ordered slice of
// messages sharing a chat ID, totally ordered by (sent_at, seq) so identical
// timestamps never produce ambiguous history.
//
// The store is the only component allowed to mutate message data. Everything
// else reads through copy-returning accessors, and the hub learns about new
// messages through the notify hook installed at startup.
package store
