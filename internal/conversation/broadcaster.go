// ABOUTME: In-memory fan-out of push events to subscribers of a conversation
// ABOUTME: Publishing never blocks; slow subscribers lose events instead of stalling senders

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/contract"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Publisher delivers an event to everyone watching a conversation.
// excludeSubID, when set, skips the subscriber that caused the event.
type Publisher interface {
	Publish(conversationID string, event *contract.Event, excludeSubID string)
}

// EventBroadcaster provides in-memory pub/sub keyed by conversation ID.
// Widgets in the escalated state and agent consoles subscribe here.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *contract.Event // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *contract.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on a conversation. The returned channel is
// closed on Unsubscribe, on Close, or when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *contract.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *contract.Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *contract.Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends event to all subscribers of conversationID except excludeSubID.
func (b *EventBroadcaster) Publish(conversationID string, event *contract.Event, excludeSubID string) {
	// Sends are non-blocking, so holding the read lock keeps channels from
	// being closed underneath us without stalling anyone.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[conversationID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"sub_id", id,
				"type", event.Type)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on a conversation.
func (b *EventBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

var _ Publisher = (*EventBroadcaster)(nil)
