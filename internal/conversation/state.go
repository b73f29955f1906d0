// ABOUTME: Conversation lifecycle transitions
// ABOUTME: active -> escalated -> resolved, with active -> resolved allowed directly

package conversation

import "github.com/2389/support-gateway/internal/store"

// CanTransition reports whether a conversation may move from one status to another.
// Resolved is terminal and no transition ever leads back to active.
func CanTransition(from, to store.ConversationStatus) bool {
	switch from {
	case store.StatusActive:
		return to == store.StatusEscalated || to == store.StatusResolved
	case store.StatusEscalated:
		return to == store.StatusResolved
	default:
		return false
	}
}
