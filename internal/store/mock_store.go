// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, in insertion order
	customers     map[string]*Customer     // keyed by customer ID

	// FailExchange makes SaveExchange fail without writing anything.
	FailExchange error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		customers:     make(map[string]*Customer),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationBySession returns the newest conversation for the session.
func (m *MockStore) GetConversationBySession(ctx context.Context, shop, sessionID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Conversation
	for _, c := range m.conversations {
		if c.Shop != shop || c.SessionID != sessionID {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	result := *newest
	return &result, nil
}

// UpdateConversationStatus writes status fields if the stored status equals expected.
func (m *MockStore) UpdateConversationStatus(ctx context.Context, conv *Conversation, expected ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != expected {
		return ErrStatusConflict
	}

	existing.Status = conv.Status
	existing.EscalationReason = conv.EscalationReason
	existing.EscalatedAt = conv.EscalatedAt
	existing.Rating = conv.Rating
	existing.Feedback = conv.Feedback
	existing.Helpful = conv.Helpful
	existing.ResolvedAt = conv.ResolvedAt
	return nil
}

// SaveExchange stores all messages and updates the conversation, or nothing at all.
func (m *MockStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailExchange != nil {
		return m.FailExchange
	}

	conv, ok := m.conversations[ex.ConversationID]
	if !ok {
		return ErrNotFound
	}

	for _, msg := range ex.Messages {
		if msg.ClientMessageID == "" {
			continue
		}
		for _, existing := range m.messages[ex.ConversationID] {
			if existing.ClientMessageID == msg.ClientMessageID && existing.Role == msg.Role {
				return ErrDuplicateMessage
			}
		}
	}

	for _, msg := range ex.Messages {
		cp := *msg
		m.messages[ex.ConversationID] = append(m.messages[ex.ConversationID], &cp)
	}
	conv.LastMessageAt = ex.LastMessageAt
	if conv.PrimaryIntent == "" {
		conv.PrimaryIntent = ex.Intent
	}
	return nil
}

// sortedMessages returns copies of a conversation's messages in chronological order.
// Caller must hold the lock.
func (m *MockStore) sortedMessages(conversationID string) []*Message {
	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// GetMessages returns the most recent limit messages, oldest first.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.sortedMessages(conversationID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// GetMessagesSince returns messages created strictly after since, oldest first.
func (m *MockStore) GetMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.sortedMessages(conversationID) {
		if msg.CreatedAt.After(since) {
			result = append(result, msg)
		}
	}
	return result, nil
}

// GetMessageByClientID looks up a message by idempotency key and role.
func (m *MockStore) GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string, role Role) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[conversationID] {
		if msg.ClientMessageID == clientMessageID && msg.Role == role {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// MarkDelivered sets the delivery flag on the given messages.
func (m *MockStore) MarkDelivered(ctx context.Context, messageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if ids[msg.ID] {
				msg.IsDelivered = true
			}
		}
	}
	return nil
}

// SaveCustomer stores or replaces a customer.
func (m *MockStore) SaveCustomer(ctx context.Context, customer *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *customer
	c.Email = strings.ToLower(c.Email)
	for id, existing := range m.customers {
		if existing.Shop == c.Shop && existing.Email == c.Email {
			delete(m.customers, id)
		}
	}
	m.customers[c.ID] = &c
	return nil
}

// GetCustomer retrieves a customer by ID.
func (m *MockStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetCustomerByEmail retrieves a customer by shop and email.
func (m *MockStore) GetCustomerByEmail(ctx context.Context, shop, email string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	for _, c := range m.customers {
		if c.Shop == shop && c.Email == email {
			result := *c
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
