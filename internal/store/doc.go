// Package store provides persistent storage for support conversations using SQLite.
//
// # Data Models
//
//   - Conversation: a visitor's session with a shop, carrying the lifecycle
//     status (active, escalated, resolved), primary intent and feedback
//   - Message: one entry in a conversation (user, assistant, agent, system)
//     with provider metadata for assistant replies
//   - Customer: side data about a shop's customer, looked up by email
//
// # Ordering
//
// Timestamps are stored as fixed-width UTC strings with nanosecond precision,
// so SQL ordering on created_at matches chronological order. Ties are broken
// by insertion order. GetMessages always returns messages oldest first.
//
// # Exchanges
//
// SaveExchange writes a group of messages together with the conversation's
// last_message_at and primary_intent in one transaction. primary_intent is
// only written while it is still empty.
//
// Status changes go through UpdateConversationStatus, which is a
// compare-and-set on the status the caller read.
//
// # Testing
//
// Use NewMockStore() for unit tests. Use NewSQLiteStore with a path under
// t.TempDir() for integration tests against real SQLite.
package store
