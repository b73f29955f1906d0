// ABOUTME: Orchestrator for support conversations: exchange, escalation and resolution
// ABOUTME: Runs the provider cascade and persists each exchange atomically

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/provider"
	"github.com/2389/support-gateway/internal/shops"
	"github.com/2389/support-gateway/internal/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTransition    = errors.New("invalid conversation transition")
	ErrConversationResolved = errors.New("conversation is resolved")
	ErrPersistence          = errors.New("persisting conversation failed")
	ErrDuplicateInFlight    = errors.New("message is already being processed")
	ErrEmptyMessage         = errors.New("message is empty")
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationBySession(ctx context.Context, shop, sessionID string) (*store.Conversation, error)
	UpdateConversationStatus(ctx context.Context, conv *store.Conversation, expected store.ConversationStatus) error

	SaveExchange(ctx context.Context, ex *store.Exchange) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	GetMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*store.Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string, role store.Role) (*store.Message, error)
	MarkDelivered(ctx context.Context, messageIDs []string) error

	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
	GetCustomerByEmail(ctx context.Context, shop, email string) (*store.Customer, error)
}

// EscalationNotifier tells humans that a conversation needs them
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, conv *store.Conversation, lastUserMessage string) error
}

// Scope identifies who a request is acting for. It is passed explicitly on
// every call instead of being resolved from ambient state.
type Scope struct {
	Shop      string
	SessionID string
	VisitorID string
}

// Config holds the orchestrator's tunables
type Config struct {
	HistoryWindow     int
	EscalationMessage string
	NotifyTimeout     time.Duration
}

const (
	defaultEscalationMessage = "You've been connected to our support team. An agent will reply here shortly."
	defaultNotifyTimeout     = 10 * time.Second
)

// Deps are the collaborators the service is wired with. Publisher, Notifier
// and Inflight are optional.
type Deps struct {
	Store     ConversationStore
	Cascade   *provider.Cascade
	Shops     SettingsSource
	Publisher Publisher
	Notifier  EscalationNotifier
	Inflight  *dedupe.Cache
}

// Service is the conversation orchestrator. Sends on a single conversation
// are serialized through sends; locks guards each state read and write and
// is never held across a provider call. Different conversations proceed
// independently.
type Service struct {
	store     ConversationStore
	cascade   *provider.Cascade
	shops     SettingsSource
	builder   *ContextBuilder
	publisher Publisher
	notifier  EscalationNotifier
	inflight  *dedupe.Cache
	locks     *keyedMutex
	sends     *keyedMutex
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates the orchestrator. Pass nil logger for default.
func New(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EscalationMessage == "" {
		cfg.EscalationMessage = defaultEscalationMessage
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if deps.Cascade == nil {
		deps.Cascade = provider.NewCascade(nil, 0, logger)
	}
	return &Service{
		store:     deps.Store,
		cascade:   deps.Cascade,
		shops:     deps.Shops,
		builder:   NewContextBuilder(deps.Shops, deps.Store, cfg.HistoryWindow, logger),
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		inflight:  deps.Inflight,
		locks:     newKeyedMutex(),
		sends:     newKeyedMutex(),
		cfg:       cfg,
		logger:    logger.With("component", "conversation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest opens a conversation
type StartRequest struct {
	CustomerEmail string
	PageURL       string
}

// StartResult is the conversation to use plus what the widget should show first
type StartResult struct {
	Conversation *store.Conversation
	Messages     []*store.Message
	Welcome      string
	Resumed      bool
}

// StartConversation returns the session's open conversation, or creates one.
func (s *Service) StartConversation(ctx context.Context, scope Scope, req StartRequest) (*StartResult, error) {
	unlock := s.locks.Lock(sessionKey(scope))
	defer unlock()

	settings := s.settings(ctx, scope.Shop)
	welcome := ""
	if settings != nil {
		welcome = settings.WelcomeMessage
	}

	conv, err := s.store.GetConversationBySession(ctx, scope.Shop, scope.SessionID)
	switch {
	case err == nil && conv.Status != store.StatusResolved:
		msgs, err := s.store.GetMessages(ctx, conv.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: loading messages: %v", ErrPersistence, err)
		}
		return &StartResult{Conversation: conv, Messages: msgs, Welcome: welcome, Resumed: true}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: looking up session: %v", ErrPersistence, err)
	}

	conv, err = s.create(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	return &StartResult{Conversation: conv, Welcome: welcome}, nil
}

func (s *Service) create(ctx context.Context, scope Scope, req StartRequest) (*store.Conversation, error) {
	now := s.now()
	conv := &store.Conversation{
		ID:            uuid.New().String(),
		Shop:          scope.Shop,
		SessionID:     scope.SessionID,
		VisitorID:     scope.VisitorID,
		PageURL:       req.PageURL,
		Status:        store.StatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}

	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		c, err := s.store.GetCustomerByEmail(ctx, scope.Shop, email)
		switch {
		case err == nil:
			conv.CustomerID = c.ID
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("customer lookup failed", "shop", scope.Shop, "error", err)
		}
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("%w: creating conversation: %v", ErrPersistence, err)
	}
	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"shop", conv.Shop,
		"known_customer", conv.CustomerID != "")
	return conv, nil
}

// SendRequest is one visitor message
type SendRequest struct {
	ConversationID  string
	Message         string
	ClientMessageID string
}

// SendResult is the outcome of an exchange. Reply is nil when the
// conversation is escalated and no assistant answered.
type SendResult struct {
	Conversation *store.Conversation
	UserMessage  *store.Message
	Reply        *store.Message
	Suggested    []string
	Parse        provider.ParseKind
	Replayed     bool
	Attempts     []provider.Attempt
}

// SendMessage runs one exchange: build context, cascade, persist both sides.
// Nothing is persisted if every provider fails.
func (s *Service) SendMessage(ctx context.Context, scope Scope, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Message)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	receivedAt := s.now()

	if req.ClientMessageID != "" && s.inflight != nil {
		key := scope.Shop + "/" + scope.SessionID + "/" + req.ClientMessageID
		if !s.inflight.Claim(key) {
			return nil, ErrDuplicateInFlight
		}
		defer s.inflight.Release(key)
	}

	conv, err := s.resolveForSend(ctx, scope, req.ConversationID)
	if err != nil {
		return nil, err
	}

	unlockSend := s.sends.Lock(conv.ID)
	defer unlockSend()

	conv, history, done, err := s.beginSend(ctx, conv.ID, req.ClientMessageID, content, receivedAt)
	if err != nil || done != nil {
		return done, err
	}

	settings := s.settings(ctx, conv.Shop)
	cc := s.builder.Build(ctx, settings, conv, history, content)

	var pref provider.Preference
	if settings != nil {
		pref = provider.Preference{Preferred: settings.PreferredProvider, Fallback: settings.FallbackProvider}
	}

	result, attempts, err := s.cascade.Run(ctx, pref, cc)
	if err != nil {
		s.logger.Error("no provider could answer",
			"conversation_id", conv.ID,
			"attempts", len(attempts),
			"error", err)
		return nil, err
	}

	return s.finishSend(ctx, conv.ID, req.ClientMessageID, content, receivedAt, result, attempts)
}

// beginSend checks the conversation can take a message and loads the history
// window. A non-nil SendResult means the send completed without a provider.
func (s *Service) beginSend(ctx context.Context, conversationID, clientID, content string, receivedAt time.Time) (*store.Conversation, []*store.Message, *SendResult, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	// Re-read under the lock; the status may have moved while we waited.
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, nil, nil, err
	}
	if conv.Status == store.StatusResolved {
		return nil, nil, nil, ErrConversationResolved
	}

	if clientID != "" {
		if res, ok := s.replay(ctx, conv, clientID); ok {
			return nil, nil, res, nil
		}
	}

	if conv.Status == store.StatusEscalated {
		res, err := s.forwardToAgents(ctx, conv, userMessage(conv, content, clientID, receivedAt))
		return nil, nil, res, err
	}

	history, err := s.store.GetMessages(ctx, conv.ID, s.builder.Window())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: loading history: %v", ErrPersistence, err)
	}
	return conv, history, nil, nil
}

// finishSend stores the exchange once a provider has answered. The status is
// checked again because escalation and resolution do not wait for providers.
func (s *Service) finishSend(ctx context.Context, conversationID, clientID, content string, receivedAt time.Time, result *provider.Result, attempts []provider.Attempt) (*SendResult, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userMsg := userMessage(conv, content, clientID, receivedAt)

	switch conv.Status {
	case store.StatusResolved:
		s.logger.Info("conversation resolved while generating a reply, dropping it",
			"conversation_id", conv.ID, "provider", result.ProviderID)
		return nil, ErrConversationResolved
	case store.StatusEscalated:
		s.logger.Info("conversation escalated while generating a reply, dropping it",
			"conversation_id", conv.ID, "provider", result.ProviderID)
		return s.forwardToAgents(ctx, conv, userMsg)
	}

	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        result.Text,
		Intent:         result.Intent,
		Confidence:     result.Confidence,
		Provider:       result.ProviderID,
		Model:          result.Model,
		TokensUsed:     result.TokensUsed,
		CostEstimate:   result.CostEstimate,
		// Replies are returned in the response body
		IsDelivered:     true,
		ClientMessageID: clientID,
		CreatedAt:       nextStamp(userMsg.CreatedAt, s.now()),
	}

	ex := &store.Exchange{
		ConversationID: conv.ID,
		Messages:       []*store.Message{userMsg, reply},
		LastMessageAt:  reply.CreatedAt,
		Intent:         result.Intent,
	}
	if err := s.store.SaveExchange(ctx, ex); err != nil {
		s.logger.Error("failed to persist exchange", "conversation_id", conv.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	conv.LastMessageAt = reply.CreatedAt
	if conv.PrimaryIntent == "" {
		conv.PrimaryIntent = result.Intent
	}

	s.publishMessage(userMsg)
	s.publishMessage(reply)

	s.logger.Debug("exchange completed",
		"conversation_id", conv.ID,
		"provider", result.ProviderID,
		"parse", result.Parse.String(),
		"tokens", result.TokensUsed,
		"latency", result.Latency)

	return &SendResult{
		Conversation: conv,
		UserMessage:  userMsg,
		Reply:        reply,
		Suggested:    result.SuggestedActions,
		Parse:        result.Parse,
		Attempts:     attempts,
	}, nil
}

func userMessage(conv *store.Conversation, content, clientID string, receivedAt time.Time) *store.Message {
	return &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		Role:            store.RoleUser,
		Content:         content,
		ClientMessageID: clientID,
		CreatedAt:       nextStamp(conv.LastMessageAt, receivedAt),
	}
}

// resolveForSend finds the conversation a message belongs to. Without an
// explicit ID the session's open conversation is used, or a new one is started.
func (s *Service) resolveForSend(ctx context.Context, scope Scope, conversationID string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := s.load(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(conv.Shop, scope.Shop) {
			return nil, ErrConversationNotFound
		}
		return conv, nil
	}

	unlock := s.locks.Lock(sessionKey(scope))
	defer unlock()

	conv, err := s.store.GetConversationBySession(ctx, scope.Shop, scope.SessionID)
	switch {
	case err == nil && conv.Status != store.StatusResolved:
		return conv, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: looking up session: %v", ErrPersistence, err)
	}
	return s.create(ctx, scope, StartRequest{})
}

// replay returns the stored outcome of an earlier send with the same client ID.
func (s *Service) replay(ctx context.Context, conv *store.Conversation, clientID string) (*SendResult, bool) {
	userMsg, err := s.store.GetMessageByClientID(ctx, conv.ID, clientID, store.RoleUser)
	if err != nil {
		return nil, false
	}
	res := &SendResult{Conversation: conv, UserMessage: userMsg, Replayed: true}
	if reply, err := s.store.GetMessageByClientID(ctx, conv.ID, clientID, store.RoleAssistant); err == nil {
		res.Reply = reply
	}
	s.logger.Debug("replayed send", "conversation_id", conv.ID, "client_message_id", clientID)
	return res, true
}

// forwardToAgents stores a visitor message on an escalated conversation and
// pushes it to whoever is watching. No provider is involved.
func (s *Service) forwardToAgents(ctx context.Context, conv *store.Conversation, userMsg *store.Message) (*SendResult, error) {
	ex := &store.Exchange{
		ConversationID: conv.ID,
		Messages:       []*store.Message{userMsg},
		LastMessageAt:  userMsg.CreatedAt,
	}
	if err := s.store.SaveExchange(ctx, ex); err != nil {
		s.logger.Error("failed to persist message", "conversation_id", conv.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	conv.LastMessageAt = userMsg.CreatedAt
	s.publishMessage(userMsg)
	return &SendResult{Conversation: conv, UserMessage: userMsg}, nil
}

// Escalate hands an active conversation to human agents. It does not write
// a message; see AppendSystemMessage.
func (s *Service) Escalate(ctx context.Context, conversationID, reason string) (*store.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(conv.Status, store.StatusEscalated) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, store.StatusEscalated)
	}

	now := s.now()
	conv.Status = store.StatusEscalated
	conv.EscalationReason = strings.TrimSpace(reason)
	conv.EscalatedAt = &now
	if err := s.updateStatus(ctx, conv, store.StatusActive); err != nil {
		return nil, err
	}

	s.publishStatus(conv)
	s.logger.Info("conversation escalated", "conversation_id", conv.ID, "reason", conv.EscalationReason)

	if s.notifier != nil {
		go s.notify(conv)
	}
	return conv, nil
}

func (s *Service) notify(conv *store.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()

	last := ""
	if msgs, err := s.store.GetMessages(ctx, conv.ID, s.builder.Window()); err == nil {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == store.RoleUser {
				last = msgs[i].Content
				break
			}
		}
	}
	if err := s.notifier.NotifyEscalation(ctx, conv, last); err != nil {
		s.logger.Warn("escalation notification failed", "conversation_id", conv.ID, "error", err)
	}
}

// EscalationMessage is the system message shown to the visitor on handoff.
func (s *Service) EscalationMessage() string {
	return s.cfg.EscalationMessage
}

// AppendSystemMessage stores a system message and pushes it to subscribers.
func (s *Service) AppendSystemMessage(ctx context.Context, conversationID, content string) (*store.Message, error) {
	return s.appendMessage(ctx, conversationID, store.RoleSystem, content)
}

// PostAgentMessage stores a human agent's reply and pushes it to the widget.
func (s *Service) PostAgentMessage(ctx context.Context, conversationID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	return s.appendMessage(ctx, conversationID, store.RoleAgent, content)
}

func (s *Service) appendMessage(ctx context.Context, conversationID string, role store.Role, content string) (*store.Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusResolved {
		return nil, ErrConversationResolved
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      nextStamp(conv.LastMessageAt, s.now()),
	}
	ex := &store.Exchange{
		ConversationID: conv.ID,
		Messages:       []*store.Message{msg},
		LastMessageAt:  msg.CreatedAt,
	}
	if err := s.store.SaveExchange(ctx, ex); err != nil {
		s.logger.Error("failed to persist message", "conversation_id", conv.ID, "role", role, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.publishMessage(msg)
	return msg, nil
}

// Feedback is what a visitor may leave when a conversation ends
type Feedback struct {
	Rating   *int
	Feedback string
	Helpful  *bool
}

// Resolve closes a conversation. Resolving an already resolved conversation
// succeeds without changing it.
func (s *Service) Resolve(ctx context.Context, conversationID string, fb Feedback) (*store.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusResolved {
		return conv, nil
	}
	if !CanTransition(conv.Status, store.StatusResolved) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, store.StatusResolved)
	}

	expected := conv.Status
	now := s.now()
	conv.Status = store.StatusResolved
	conv.ResolvedAt = &now
	conv.Rating = fb.Rating
	conv.Feedback = strings.TrimSpace(fb.Feedback)
	conv.Helpful = fb.Helpful
	if err := s.updateStatus(ctx, conv, expected); err != nil {
		return nil, err
	}

	s.publishStatus(conv)
	s.logger.Info("conversation resolved", "conversation_id", conv.ID, "from", expected)
	return conv, nil
}

// PollResult is what a polling widget receives
type PollResult struct {
	Status   store.ConversationStatus
	Messages []*store.Message
}

// Poll returns messages created strictly after since, plus the current status.
// Returned messages are marked delivered.
func (s *Service) Poll(ctx context.Context, conversationID string, since time.Time) (*PollResult, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMessagesSince(ctx, conv.ID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: loading messages: %v", ErrPersistence, err)
	}

	var undelivered []string
	for _, m := range msgs {
		if !m.IsDelivered && m.Role != store.RoleUser {
			undelivered = append(undelivered, m.ID)
		}
	}
	if len(undelivered) > 0 {
		if err := s.store.MarkDelivered(ctx, undelivered); err != nil {
			s.logger.Warn("failed to mark messages delivered", "conversation_id", conv.ID, "error", err)
		}
	}
	return &PollResult{Status: conv.Status, Messages: msgs}, nil
}

// GetConversation returns a conversation with its full message history.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, []*store.Message, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.GetMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: loading messages: %v", ErrPersistence, err)
	}
	return conv, msgs, nil
}

// SetAgentTyping pushes the agent typing indicator.
func (s *Service) SetAgentTyping(ctx context.Context, conversationID string, typing bool) error {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == store.StatusResolved {
		return ErrConversationResolved
	}
	s.publish(&contract.Event{
		Type:           contract.EventAgentTyping,
		ConversationID: conv.ID,
		Typing:         &typing,
	})
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading conversation: %v", ErrPersistence, err)
	}
	return conv, nil
}

func (s *Service) updateStatus(ctx context.Context, conv *store.Conversation, expected store.ConversationStatus) error {
	err := s.store.UpdateConversationStatus(ctx, conv, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStatusConflict):
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	default:
		s.logger.Error("failed to update status", "conversation_id", conv.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

func (s *Service) settings(ctx context.Context, shop string) *shops.Settings {
	if s.shops == nil {
		return nil
	}
	settings, err := s.shops.Settings(ctx, shop)
	if err != nil {
		s.logger.Debug("no shop settings", "shop", shop, "error", err)
		return nil
	}
	return settings
}

func (s *Service) publishMessage(m *store.Message) {
	s.publish(&contract.Event{
		Type:           contract.EventMessage,
		ConversationID: m.ConversationID,
		Message:        MessageView(m),
	})
}

func (s *Service) publishStatus(conv *store.Conversation) {
	s.publish(&contract.Event{
		Type:           contract.EventStatusChanged,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	})
}

func (s *Service) publish(ev *contract.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev.ConversationID, ev, "")
	}
}

// MessageView converts a stored message to its wire form.
func MessageView(m *store.Message) *contract.Message {
	return &contract.Message{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// nextStamp returns now, or just after last when the clock has not moved past it.
func nextStamp(last, now time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(time.Microsecond)
}

func sessionKey(scope Scope) string {
	return "session:" + strings.ToLower(scope.Shop) + "/" + scope.SessionID
}
