// ABOUTME: Widget client that drives one visitor's conversation against the gateway
// ABOUTME: A single event loop owns state, dedup and the lastSeen cursor; transports feed it events

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/contract"
)

// Default transport settings
const (
	DefaultPushAttempts       = 3
	DefaultPushAttemptTimeout = 5 * time.Second
	DefaultRedialInterval     = 30 * time.Second
	DefaultPushReadTimeout    = 60 * time.Second
)

const eventBuffer = 64

var (
	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("widget client closed")
	// ErrNotOpen is returned when sending while the widget is closed.
	ErrNotOpen = errors.New("widget is not open")
	// ErrNoConversation is returned when an operation needs a conversation and there is none.
	ErrNoConversation = errors.New("no active conversation")
)

// Config holds widget client settings.
type Config struct {
	BaseURL       string
	Shop          string
	PageURL       string
	CustomerEmail string

	// Visitors persists the visitor ID; nil keeps it in memory.
	Visitors   VisitorStore
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	PollInterval       time.Duration
	PushAttempts       int
	PushAttemptTimeout time.Duration
	RedialInterval     time.Duration
	PushReadTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PushAttempts <= 0 {
		c.PushAttempts = DefaultPushAttempts
	}
	if c.PushAttemptTimeout <= 0 {
		c.PushAttemptTimeout = DefaultPushAttemptTimeout
	}
	if c.RedialInterval <= 0 {
		c.RedialInterval = DefaultRedialInterval
	}
	if c.PushReadTimeout <= 0 {
		c.PushReadTimeout = DefaultPushReadTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Renderer displays what the client receives. All calls come from the
// client's event loop, one at a time.
type Renderer interface {
	ShowMessage(m contract.Message)
	ShowState(s Snapshot)
	ShowTyping(typing bool)
}

// Snapshot is a consistent view of the client published after every event.
type Snapshot struct {
	State          State
	ConversationID string
	Reconnecting   bool
	LastSeen       time.Time
}

// Client is a widget instance. Public methods may be called from any
// goroutine; they talk to the gateway and hand the results to the loop.
type Client struct {
	cfg      Config
	api      *API
	identity *Identity
	renderer Renderer
	logger   *slog.Logger

	events    chan envelope
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
	snap      atomic.Pointer[Snapshot]

	// Owned by the loop goroutine
	state          State
	conversationID string
	reconnecting   bool
	seen           map[string]struct{}
	cursor         *Cursor
	push           *pushTransport
	poll           *pollTransport
}

// New creates a client and starts its event loop. The widget starts closed.
func New(cfg Config, renderer Renderer, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Shop == "" {
		return nil, errors.New("shop is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		api:      NewAPI(cfg.BaseURL, cfg.HTTPClient),
		identity: NewIdentity(cfg.Visitors),
		renderer: renderer,
		logger:   logger.With("component", "widget", "shop", cfg.Shop),
		events:   make(chan envelope, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		state:    StateClosed,
		seen:     make(map[string]struct{}),
		cursor:   &Cursor{},
	}
	c.snap.Store(&Snapshot{State: StateClosed})
	go c.loop()
	return c, nil
}

// Snapshot returns the most recently published client state.
func (c *Client) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Identity returns the client's session and visitor identity.
func (c *Client) Identity() *Identity {
	return c.identity
}

// Open shows the widget and starts or resumes the session's conversation.
// If the gateway cannot be reached the widget stays open without a
// conversation and the first Send creates one.
func (c *Client) Open(ctx context.Context) error {
	if err := c.submit(ctx, opened{}); err != nil {
		return err
	}

	resp, err := c.api.Start(ctx, contract.StartRequest{
		Shop:          c.cfg.Shop,
		SessionID:     c.identity.SessionID(),
		VisitorID:     c.visitorID(),
		CustomerEmail: c.cfg.CustomerEmail,
		PageURL:       c.cfg.PageURL,
	})
	if err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}

	if resp.WelcomeMessage != "" && !resp.Resumed {
		if err := c.submit(ctx, welcome{text: resp.WelcomeMessage}); err != nil {
			return err
		}
	}
	return c.submit(ctx, conversationReady{
		conversationID: resp.ConversationID,
		status:         resp.Status,
		messages:       resp.Messages,
	})
}

// Send posts a visitor message. While the conversation is active the reply
// is rendered before Send returns; while escalated a human answers later
// through push or poll.
func (c *Client) Send(ctx context.Context, text string) (*contract.SendResponse, error) {
	snap := c.Snapshot()
	if snap.State == StateClosed {
		return nil, ErrNotOpen
	}

	req := contract.SendRequest{
		Shop:            c.cfg.Shop,
		SessionID:       c.identity.SessionID(),
		VisitorID:       c.visitorID(),
		Message:         text,
		ClientMessageID: uuid.New().String(),
	}
	// After resolution the server picks a fresh conversation
	if snap.State != StateResolved {
		req.ConversationID = snap.ConversationID
	}

	resp, err := c.api.Send(ctx, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && apiErr.Message == contract.MsgClosed {
			_ = c.submit(ctx, messagesArrived{conversationID: snap.ConversationID, status: contract.StatusResolved})
		}
		return nil, err
	}

	user := contract.Message{ID: resp.UserMessageID, Role: "user", Content: text}
	messages := []contract.Message{user}
	if resp.MessageID != "" {
		messages = append(messages, contract.Message{
			ID:        resp.MessageID,
			Role:      "assistant",
			Content:   resp.ResponseText,
			CreatedAt: resp.CreatedAt,
		})
	} else {
		messages[0].CreatedAt = resp.CreatedAt
	}

	if err := c.submit(ctx, conversationReady{
		conversationID: resp.ConversationID,
		status:         resp.Status,
		messages:       messages,
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// Escalate asks for a human agent. Push is attempted first; poll takes
// over if push cannot be established.
func (c *Client) Escalate(ctx context.Context, reason string) error {
	snap := c.Snapshot()
	if snap.ConversationID == "" || snap.State == StateResolved {
		return ErrNoConversation
	}

	resp, err := c.api.Escalate(ctx, snap.ConversationID, reason)
	if err != nil {
		return err
	}

	ev := messagesArrived{conversationID: resp.ConversationID, status: resp.Status}
	if resp.SystemMessage != nil {
		ev.messages = []contract.Message{*resp.SystemMessage}
	}
	return c.submit(ctx, ev)
}

// End resolves the conversation with optional feedback.
func (c *Client) End(ctx context.Context, req contract.EndRequest) error {
	snap := c.Snapshot()
	if snap.ConversationID == "" || snap.State == StateResolved {
		return ErrNoConversation
	}

	resp, err := c.api.End(ctx, snap.ConversationID, req)
	if err != nil {
		return err
	}
	return c.submit(ctx, messagesArrived{conversationID: resp.ConversationID, status: resp.Status})
}

// Close stops both transports and the event loop. The client cannot be
// reopened afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.submit(context.Background(), closeRequested{})
		c.cancel()
		<-c.loopDone
	})
	return nil
}

func (c *Client) visitorID() string {
	id, err := c.identity.VisitorID()
	if err != nil {
		c.logger.Warn("visitor id not persisted", "error", err)
	}
	return id
}

// submit hands ev to the loop and waits until it has been handled.
func (c *Client) submit(ctx context.Context, ev event) error {
	env := envelope{ev: ev, done: make(chan struct{})}
	select {
	case c.events <- env:
	case <-c.loopDone:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-env.done:
		return nil
	case <-c.loopDone:
		return ErrClientClosed
	}
}

func (c *Client) loop() {
	defer close(c.loopDone)

	for {
		select {
		case env := <-c.events:
			stop := c.handle(env.ev)
			c.publish()
			if env.done != nil {
				close(env.done)
			}
			if stop {
				return
			}
		case <-c.ctx.Done():
			c.stopTransports()
			return
		}
	}
}

// handle applies one event and reports whether the loop should exit.
func (c *Client) handle(ev event) bool {
	switch ev := ev.(type) {
	case opened:
		c.apply(TriggerOpen)

	case welcome:
		if c.state != StateClosed {
			c.renderer.ShowMessage(contract.Message{Role: "assistant", Content: ev.text})
		}

	case conversationReady:
		c.adopt(ev)

	case messagesArrived:
		if c.state == StateClosed || ev.conversationID != c.conversationID {
			return false
		}
		c.render(ev.messages)
		c.applyStatus(ev.status)

	case typingChanged:
		if c.state.Escalated() && ev.conversationID == c.conversationID {
			c.renderer.ShowTyping(ev.typing)
		}

	case pushUp:
		if ev.from != c.push {
			return false
		}
		c.reconnecting = false
		c.poll.suspend()
		// Anything sent between escalation and this connection was not pushed
		c.poll.fetchOnce(c.cursor.Get())
		c.apply(TriggerPushUp)

	case pushLost:
		if ev.from != c.push {
			return false
		}
		c.reconnecting = true
		c.apply(TriggerPushLost)

	case pushFailed:
		if ev.from != c.push {
			return false
		}
		c.reconnecting = false
		c.apply(TriggerPushFailed)
		c.poll.resume()

	case closeRequested:
		c.stopTransports()
		c.reconnecting = false
		c.apply(TriggerClose)
		return true

	default:
		c.logger.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
	return false
}

// adopt switches to the conversation the server named and renders its messages.
func (c *Client) adopt(ev conversationReady) {
	if c.state == StateClosed {
		return
	}
	if ev.conversationID != c.conversationID {
		c.stopTransports()
		c.conversationID = ev.conversationID
		c.cursor = &Cursor{}
	}
	c.apply(TriggerConversationReady)
	c.render(ev.messages)
	c.applyStatus(ev.status)
}

// render shows each message once, whichever path delivered it first.
func (c *Client) render(messages []contract.Message) {
	for _, m := range messages {
		if m.ID != "" {
			if _, ok := c.seen[m.ID]; ok {
				continue
			}
			c.seen[m.ID] = struct{}{}
		}
		c.renderer.ShowMessage(m)
		c.cursor.advance(m.CreatedAt)
	}
}

func (c *Client) applyStatus(status string) {
	switch status {
	case contract.StatusEscalated:
		if c.state == StateActive {
			c.apply(TriggerEscalated)
			c.startTransports()
		}
	case contract.StatusResolved:
		c.stopTransports()
		c.reconnecting = false
		c.apply(TriggerResolved)
	}
}

func (c *Client) apply(t Trigger) {
	prev := c.state
	c.state = Transition(prev, t)
	if c.state != prev {
		c.logger.Debug("widget state changed", "from", prev, "to", c.state, "trigger", t)
	}
}

// startTransports begins an escalation: push connects while poll waits
// suspended in case push fails.
func (c *Client) startTransports() {
	c.stopTransports()
	logger := c.logger.With("conversation_id", c.conversationID)
	c.poll = startPoll(c.ctx, c.api, c.conversationID, c.cursor, c.cfg.PollInterval, c.events, logger)
	c.push = startPush(c.ctx, pushSettings{
		url:            c.api.PushURL(),
		attempts:       c.cfg.PushAttempts,
		attemptTimeout: c.cfg.PushAttemptTimeout,
		redialInterval: c.cfg.RedialInterval,
		readTimeout:    c.cfg.PushReadTimeout,
	}, c.conversationID, c.cfg.Dialer, c.events, logger)
}

func (c *Client) stopTransports() {
	if c.push != nil {
		c.push.stop()
		c.push = nil
	}
	if c.poll != nil {
		c.poll.stop()
		c.poll = nil
	}
}

// publish stores a new snapshot and tells the renderer when the visible
// state changed.
func (c *Client) publish() {
	next := Snapshot{
		State:          c.state,
		ConversationID: c.conversationID,
		Reconnecting:   c.reconnecting,
		LastSeen:       c.cursor.Get(),
	}
	prev := c.snap.Swap(&next)
	if prev.State != next.State || prev.ConversationID != next.ConversationID || prev.Reconnecting != next.Reconnecting {
		c.renderer.ShowState(next)
	}
}
