// ABOUTME: Widget client states and the pure transition function between them
// ABOUTME: The event loop feeds triggers through Transition and acts on the result

package widget

// State is where the widget is in a conversation's lifecycle
type State int

const (
	// StateClosed means the widget is not open
	StateClosed State = iota
	// StateNoConversation means the widget is open but has no conversation yet
	StateNoConversation
	// StateActive means the assistant is answering; replies arrive in send responses
	StateActive
	// StateEscalatedPush means a human has the conversation and push is the selected transport
	StateEscalatedPush
	// StateEscalatedPoll means a human has the conversation and push is unavailable
	StateEscalatedPoll
	// StateResolved means the conversation ended; transports are torn down
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateNoConversation:
		return "open/no-conversation"
	case StateActive:
		return "open/active"
	case StateEscalatedPush:
		return "open/escalated+push"
	case StateEscalatedPoll:
		return "open/escalated+poll"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Escalated reports whether s is one of the human-handoff states.
func (s State) Escalated() bool {
	return s == StateEscalatedPush || s == StateEscalatedPoll
}

// Trigger is something that happened to the widget
type Trigger int

const (
	TriggerOpen Trigger = iota
	TriggerClose
	// TriggerConversationReady fires when the server names the conversation to use
	TriggerConversationReady
	TriggerEscalated
	TriggerPushUp
	// TriggerPushLost fires when a live push connection drops; reconnects follow
	TriggerPushLost
	// TriggerPushFailed fires when push could not be established within its attempts
	TriggerPushFailed
	TriggerResolved
)

func (t Trigger) String() string {
	switch t {
	case TriggerOpen:
		return "open"
	case TriggerClose:
		return "close"
	case TriggerConversationReady:
		return "conversation-ready"
	case TriggerEscalated:
		return "escalated"
	case TriggerPushUp:
		return "push-up"
	case TriggerPushLost:
		return "push-lost"
	case TriggerPushFailed:
		return "push-failed"
	case TriggerResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Transition returns the state after t happens in s. Triggers that do not
// apply leave the state unchanged.
func Transition(s State, t Trigger) State {
	if t == TriggerClose {
		return StateClosed
	}

	switch s {
	case StateClosed:
		if t == TriggerOpen {
			return StateNoConversation
		}
	case StateNoConversation:
		if t == TriggerConversationReady {
			return StateActive
		}
	case StateActive:
		switch t {
		case TriggerEscalated:
			return StateEscalatedPush
		case TriggerResolved:
			return StateResolved
		}
	case StateEscalatedPush:
		switch t {
		case TriggerPushFailed:
			return StateEscalatedPoll
		case TriggerResolved:
			return StateResolved
		}
	case StateEscalatedPoll:
		switch t {
		case TriggerPushUp:
			return StateEscalatedPush
		case TriggerResolved:
			return StateResolved
		}
	case StateResolved:
		// A send after resolution starts a fresh conversation
		if t == TriggerConversationReady {
			return StateActive
		}
	}
	return s
}
