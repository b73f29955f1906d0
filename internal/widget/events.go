// ABOUTME: Events consumed by the widget client's event loop and the shared lastSeen cursor
// ABOUTME: Transports and API calls only produce events; the loop alone mutates client state

package widget

import (
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/contract"
)

// event is anything the client loop handles.
type event interface{}

// messagesArrived carries messages from push, poll or an API response.
// A non-empty status is applied after the messages are rendered.
type messagesArrived struct {
	conversationID string
	messages       []contract.Message
	status         string
}

type typingChanged struct {
	conversationID string
	typing         bool
}

// pushUp, pushLost and pushFailed report the state of one push transport.
// Events from a transport that has since been replaced are ignored.
type pushUp struct{ from *pushTransport }

type pushLost struct{ from *pushTransport }

type pushFailed struct{ from *pushTransport }

type opened struct{}

// welcome is the shop greeting. It is not stored, so it has no ID.
type welcome struct{ text string }

// conversationReady names the conversation the server chose.
type conversationReady struct {
	conversationID string
	status         string
	messages       []contract.Message
}

type closeRequested struct{}

// envelope wraps an event with an optional channel closed once it is handled.
type envelope struct {
	ev   event
	done chan struct{}
}

// Cursor is the timestamp of the newest message the client has rendered.
// Poll reads it; only the client loop advances it, and never backwards.
type Cursor struct {
	mu sync.RWMutex
	at time.Time
}

// Get returns the current position.
func (c *Cursor) Get() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.at
}

func (c *Cursor) advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.at) {
		c.at = t
	}
}
