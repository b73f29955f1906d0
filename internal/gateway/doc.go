// Package gateway orchestrates the support-gateway server components.
//
// # Overview
//
// The gateway package wires storage, shop settings, completion providers and
// the conversation orchestrator together, then serves them over HTTP. A small
// gRPC server carries the standard health service.
//
// # Widget API
//
//   - POST /api/widget/conversations - Start or resume a session's conversation
//   - POST /api/widget/messages - Send a visitor message, get the assistant reply
//   - POST /api/widget/conversations/{id}/escalate - Hand off to a human
//   - POST /api/widget/conversations/{id}/end - Resolve with optional feedback
//   - GET /api/widget/conversations/{id}/messages?since= - Poll for new messages
//   - GET /api/widget/ws - Websocket push (join, then events)
//
// # Agent Console API
//
// Mounted only when auth.jwt_secret is set; every request needs a bearer token.
//
//   - GET /api/agent/conversations/{id}
//   - POST /api/agent/conversations/{id}/messages
//   - POST /api/agent/conversations/{id}/typing
//   - POST /api/agent/conversations/{id}/resolve
//
// # Push Protocol
//
// The widget sends one frame after connecting:
//
//	{"type": "join", "conversationId": "..."}
//
// and then receives message, statusChanged and agentTyping events. Every
// socket joined to a conversation receives every event.
//
// # Health
//
// GET /health is liveness. GET /health/ready and the gRPC health service both
// reflect the periodic provider sweep; gRPC reports each provider as
// provider/<name>.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is canceled and shutdown completes
package gateway
