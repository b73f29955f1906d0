// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Conversation, Message, Customer and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same client message ID
// and role already exists in the conversation
var ErrDuplicateMessage = errors.New("message already exists")

// ErrStatusConflict is returned when a conversation's status no longer matches the
// status the caller read before updating it
var ErrStatusConflict = errors.New("conversation status changed")

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
)

// Role identifies who authored a message. It never changes once written.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// Conversation is a status-bearing sequence of messages between a visitor and a shop
type Conversation struct {
	ID         string
	Shop       string
	SessionID  string
	VisitorID  string
	CustomerID string // empty when the visitor is anonymous
	PageURL    string
	Status     ConversationStatus

	// PrimaryIntent is set from the first exchange that yields an intent and
	// is never overwritten afterwards.
	PrimaryIntent string

	EscalationReason string
	EscalatedAt      *time.Time

	Rating   *int
	Feedback string
	Helpful  *bool

	LastMessageAt time.Time
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// Message is a single entry in a conversation
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Intent         string
	Confidence     *float64

	// Provider metadata, assistant messages only
	Provider     string
	Model        string
	TokensUsed   int
	CostEstimate float64

	IsDelivered bool
	IsRead      bool

	// ClientMessageID is the widget-supplied idempotency key (optional)
	ClientMessageID string

	CreatedAt time.Time
}

// Customer is the side data known about a shop's customer
type Customer struct {
	ID          string
	Shop        string
	Email       string
	Name        string
	OrdersCount int
	TotalSpent  float64
	Tags        []string
	CreatedAt   time.Time
}

// Exchange is a group of messages persisted together with the conversation
// bookkeeping they imply. Either everything is written or nothing is.
type Exchange struct {
	ConversationID string
	Messages       []*Message
	LastMessageAt  time.Time

	// Intent is applied to the conversation's primary intent only if it is still empty
	Intent string
}

// Store defines the interface for support-gateway persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationBySession(ctx context.Context, shop, sessionID string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, conv *Conversation, expected ConversationStatus) error

	// Messages
	SaveExchange(ctx context.Context, ex *Exchange) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string, role Role) (*Message, error)
	MarkDelivered(ctx context.Context, messageIDs []string) error

	// Customers
	SaveCustomer(ctx context.Context, customer *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByEmail(ctx context.Context, shop, email string) (*Customer, error)

	Close() error
}
