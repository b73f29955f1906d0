// ABOUTME: JSON wire types shared by the gateway's widget API and the widget client
// ABOUTME: Covers request/response bodies, push frames and the common error body

package contract

import "time"

// Conversation statuses as they appear on the wire
const (
	StatusActive    = "active"
	StatusEscalated = "escalated"
	StatusResolved  = "resolved"
)

// Fixed user-visible error texts
const (
	MsgAssistantUnavailable = "Our assistant is temporarily unavailable. Please try again in a moment."
	MsgInternal             = "Something went wrong. Please try again."
	MsgNotFound             = "conversation not found"
	MsgCannotEscalate       = "conversation cannot be escalated"
	MsgClosed               = "conversation is closed"
	MsgInFlight             = "message is already being processed"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Message is a conversation message as shown to clients
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// StartRequest opens (or resumes) a conversation for a session
type StartRequest struct {
	Shop          string `json:"shop"`
	SessionID     string `json:"sessionId"`
	VisitorID     string `json:"visitorId,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	PageURL       string `json:"pageUrl,omitempty"`
}

// StartResponse describes the conversation the widget should use
type StartResponse struct {
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	WelcomeMessage string    `json:"welcomeMessage,omitempty"`
	Resumed        bool      `json:"resumed,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
}

// SendRequest carries one visitor message
type SendRequest struct {
	Shop            string `json:"shop"`
	SessionID       string `json:"sessionId"`
	VisitorID       string `json:"visitorId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendResponse is the outcome of a send. ResponseText is empty when the
// conversation is escalated and a human will answer instead.
type SendResponse struct {
	Success          bool      `json:"success"`
	ConversationID   string    `json:"conversationId"`
	UserMessageID    string    `json:"userMessageId"`
	MessageID        string    `json:"messageId,omitempty"`
	ResponseText     string    `json:"responseText"`
	Intent           string    `json:"intent,omitempty"`
	Confidence       *float64  `json:"confidence,omitempty"`
	SuggestedActions []string  `json:"suggestedActions,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
}

// EscalateRequest asks for a human agent
type EscalateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EscalateResponse confirms a handoff
type EscalateResponse struct {
	Success        bool     `json:"success"`
	ConversationID string   `json:"conversationId"`
	Status         string   `json:"status"`
	SystemMessage  *Message `json:"systemMessage,omitempty"`
}

// EndRequest closes a conversation with optional feedback
type EndRequest struct {
	Rating   *int   `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Helpful  *bool  `json:"helpful,omitempty"`
}

// EndResponse confirms resolution
type EndResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// PollResponse lists messages created strictly after the requested cursor
type PollResponse struct {
	ConversationID string    `json:"conversationId"`
	Status         string    `json:"status"`
	Messages       []Message `json:"messages"`
}

// ConversationView is the agent console's view of a conversation
type ConversationView struct {
	ID               string     `json:"id"`
	Shop             string     `json:"shop"`
	SessionID        string     `json:"sessionId"`
	CustomerID       string     `json:"customerId,omitempty"`
	Status           string     `json:"status"`
	PrimaryIntent    string     `json:"primaryIntent,omitempty"`
	EscalationReason string     `json:"escalationReason,omitempty"`
	EscalatedAt      *time.Time `json:"escalatedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	Messages         []Message  `json:"messages"`
}

// AgentMessageRequest is a human agent's reply
type AgentMessageRequest struct {
	Content string `json:"content"`
}

// TypingRequest toggles the agent typing indicator
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// EventType names a push event
type EventType string

const (
	EventMessage       EventType = "message"
	EventStatusChanged EventType = "statusChanged"
	EventAgentTyping   EventType = "agentTyping"
)

// Event is a push frame sent to subscribers of a conversation
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	Message        *Message  `json:"message,omitempty"`
	Status         string    `json:"status,omitempty"`
	Typing         *bool     `json:"typing,omitempty"`

	// Origin identifies the gateway instance that produced the event
	Origin string `json:"origin,omitempty"`
}

// JoinType is the only frame a widget sends on the push socket
const JoinType = "join"

// JoinFrame subscribes a push socket to one conversation
type JoinFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}
