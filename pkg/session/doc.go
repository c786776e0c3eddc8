// Package session persists chat transcripts as JSONL files, one per
// conversation id, and the line-input history of the chat prompt.
//
// Invariants:
// - Conversation ids are validated and path-safe.
// - Writes for the same conversation are serialized.
// - Corrupt lines are skipped on load, never fatal.
//
// Usage:
//
//	mgr, _ := session.New(logger, "/tmp/walletagent/history")
//	_ = mgr.Append(id, session.Message{Role: "user", Content: "hello"})
//	msgs, _ := mgr.Messages(id)
//	_ = msgs
package session
