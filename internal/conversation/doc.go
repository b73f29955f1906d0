// Package conversation runs support conversations between shop visitors,
// AI completion providers and human agents.
//
// # Overview
//
// The package sits between the HTTP/WebSocket handlers and the store. It
// owns the conversation lifecycle and the push fan-out used once a human
// takes over.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(cfg, conversation.Deps{Store: st, Cascade: cascade, Shops: dir, Publisher: events}, logger)
//
// Key operations:
//
//   - StartConversation(ctx, scope, req): open or resume the session's conversation
//   - SendMessage(ctx, scope, req): run one visitor/assistant exchange
//   - Escalate(ctx, id, reason): hand the conversation to human agents
//   - Resolve(ctx, id, feedback): close it (idempotent)
//   - Poll(ctx, id, since): messages after a cursor, for widgets without push
//
// # Exchanges
//
// When a visitor message arrives:
//
//  1. Resolve the conversation (explicit ID, or the session's open one)
//  2. Build a ChatContext from shop settings, the last N messages and side data
//  3. Run the provider cascade until one provider answers
//  4. Save the visitor message and the reply in one transaction
//
// If no provider answers nothing is written. Work on one conversation is
// serialized, so the first intent detected becomes the primary intent.
//
// # Lifecycle
//
//	active ──► escalated ──► resolved
//	   └──────────────────────►┘
//
// Resolved is terminal. Once escalated, visitor messages are stored and
// pushed to agents without calling any provider.
//
// # Event Broadcasting
//
// Message, status and typing events are published to an EventBroadcaster
// keyed by conversation ID. Widgets and agent consoles subscribe through
// the gateway's websocket endpoint.
package conversation
