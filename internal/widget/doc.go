// Package widget is a Go client for the gateway's widget API, used by the
// widget simulator and by end-to-end tests.
//
// A Client moves through the states in [Transition]. While the assistant
// is answering, replies come back in send responses. After escalation the
// client keeps a websocket push connection open and falls back to polling
// every few seconds when push cannot be established. Both transports only
// produce events; one loop goroutine renders messages, drops duplicates by
// ID and advances the lastSeen [Cursor] that polling reads.
package widget
