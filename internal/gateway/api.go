// ABOUTME: HTTP JSON handlers for the chat widget and the human agent console
// ABOUTME: Maps orchestrator errors onto fixed user-visible messages and status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/provider"
	"github.com/2389/support-gateway/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

var errEmptyBody = errors.New("empty body")

// registerWidgetRoutes mounts the unauthenticated widget API.
func (g *Gateway) registerWidgetRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/widget/conversations", g.handleStartConversation)
	mux.HandleFunc("POST /api/widget/messages", g.handleSendMessage)
	mux.HandleFunc("POST /api/widget/conversations/{id}/escalate", g.handleEscalate)
	mux.HandleFunc("POST /api/widget/conversations/{id}/end", g.handleEnd)
	mux.HandleFunc("GET /api/widget/conversations/{id}/messages", g.handlePoll)
	mux.HandleFunc("GET /api/widget/ws", g.handlePush)
}

// registerAgentRoutes mounts the agent console API behind bearer token auth.
func (g *Gateway) registerAgentRoutes(mux *http.ServeMux) {
	requireAgent := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("GET /api/agent/conversations/{id}", requireAgent(http.HandlerFunc(g.handleAgentConversation)))
	mux.Handle("POST /api/agent/conversations/{id}/messages", requireAgent(http.HandlerFunc(g.handleAgentMessage)))
	mux.Handle("POST /api/agent/conversations/{id}/typing", requireAgent(http.HandlerFunc(g.handleAgentTyping)))
	mux.Handle("POST /api/agent/conversations/{id}/resolve", requireAgent(http.HandlerFunc(g.handleAgentResolve)))
	g.logger.Info("agent console API enabled at /api/agent/")
}

// handleStartConversation handles POST /api/widget/conversations.
// It resumes the session's open conversation or starts a new one.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req contract.StartRequest
	if err := decodeJSON(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Shop) == "" || strings.TrimSpace(req.SessionID) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "shop and sessionId are required")
		return
	}

	scope := conversation.Scope{Shop: req.Shop, SessionID: req.SessionID, VisitorID: req.VisitorID}
	res, err := g.conversation.StartConversation(r.Context(), scope, conversation.StartRequest{
		CustomerEmail: req.CustomerEmail,
		PageURL:       req.PageURL,
	})
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}

	g.writeJSON(w, http.StatusOK, contract.StartResponse{
		ConversationID: res.Conversation.ID,
		Status:         string(res.Conversation.Status),
		WelcomeMessage: res.Welcome,
		Resumed:        res.Resumed,
		Messages:       messageViews(res.Messages),
	})
}

// handleSendMessage handles POST /api/widget/messages.
// The exchange is detached from the request so a visitor navigating away
// does not abort persistence.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req contract.SendRequest
	if err := decodeJSON(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Shop) == "" || strings.TrimSpace(req.SessionID) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "shop and sessionId are required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	scope := conversation.Scope{Shop: req.Shop, SessionID: req.SessionID, VisitorID: req.VisitorID}
	res, err := g.conversation.SendMessage(ctx, scope, conversation.SendRequest{
		ConversationID:  req.ConversationID,
		Message:         req.Message,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}

	resp := contract.SendResponse{
		Success:          true,
		ConversationID:   res.Conversation.ID,
		UserMessageID:    res.UserMessage.ID,
		SuggestedActions: res.Suggested,
		Status:           string(res.Conversation.Status),
		CreatedAt:        res.UserMessage.CreatedAt,
	}
	if res.Reply != nil {
		resp.MessageID = res.Reply.ID
		resp.ResponseText = res.Reply.Content
		resp.Intent = res.Reply.Intent
		resp.Confidence = res.Reply.Confidence
		resp.CreatedAt = res.Reply.CreatedAt
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleEscalate handles POST /api/widget/conversations/{id}/escalate.
// The handoff notice is stored as a system message after the status change.
func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req contract.EscalateRequest
	if err := decodeJSON(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	conv, err := g.conversation.Escalate(ctx, r.PathValue("id"), req.Reason)
	if err != nil {
		g.writeError(w, err, contract.MsgCannotEscalate)
		return
	}

	resp := contract.EscalateResponse{
		Success:        true,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	}
	notice, err := g.conversation.AppendSystemMessage(ctx, conv.ID, g.conversation.EscalationMessage())
	if err != nil {
		g.logger.Error("failed to store escalation notice", "conversation_id", conv.ID, "error", err)
	} else {
		resp.SystemMessage = conversation.MessageView(notice)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleEnd handles POST /api/widget/conversations/{id}/end.
func (g *Gateway) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req contract.EndRequest
	if err := decodeJSON(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		g.sendJSONError(w, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	conv, err := g.conversation.Resolve(r.Context(), r.PathValue("id"), conversation.Feedback{
		Rating:   req.Rating,
		Feedback: req.Feedback,
		Helpful:  req.Helpful,
	})
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}
	g.writeJSON(w, http.StatusOK, contract.EndResponse{
		Success:        true,
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	})
}

// handlePoll handles GET /api/widget/conversations/{id}/messages?since=<RFC3339Nano>.
// Without since every message is returned.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	id := r.PathValue("id")
	res, err := g.conversation.Poll(r.Context(), id, since)
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}
	g.writeJSON(w, http.StatusOK, contract.PollResponse{
		ConversationID: id,
		Status:         string(res.Status),
		Messages:       messageViews(res.Messages),
	})
}

// agentConversation loads the path's conversation and checks the agent may see it.
// It writes the error response and returns nil when not.
func (g *Gateway) agentConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, []*store.Message) {
	conv, msgs, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return nil, nil
	}
	agent := auth.FromContext(r.Context())
	if agent == nil || !agent.CanAccess(conv.Shop) {
		g.sendJSONError(w, http.StatusForbidden, "agent cannot access this shop")
		return nil, nil
	}
	return conv, msgs
}

// handleAgentConversation handles GET /api/agent/conversations/{id}.
func (g *Gateway) handleAgentConversation(w http.ResponseWriter, r *http.Request) {
	conv, msgs := g.agentConversation(w, r)
	if conv == nil {
		return
	}
	g.writeJSON(w, http.StatusOK, contract.ConversationView{
		ID:               conv.ID,
		Shop:             conv.Shop,
		SessionID:        conv.SessionID,
		CustomerID:       conv.CustomerID,
		Status:           string(conv.Status),
		PrimaryIntent:    conv.PrimaryIntent,
		EscalationReason: conv.EscalationReason,
		EscalatedAt:      conv.EscalatedAt,
		CreatedAt:        conv.CreatedAt,
		Messages:         messageViews(msgs),
	})
}

// handleAgentMessage handles POST /api/agent/conversations/{id}/messages.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req contract.AgentMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	conv, _ := g.agentConversation(w, r)
	if conv == nil {
		return
	}

	msg, err := g.conversation.PostAgentMessage(r.Context(), conv.ID, req.Content)
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}
	g.logger.Info("agent replied", "conversation_id", conv.ID, "agent", auth.FromContext(r.Context()).Name)
	g.writeJSON(w, http.StatusCreated, conversation.MessageView(msg))
}

// handleAgentTyping handles POST /api/agent/conversations/{id}/typing.
func (g *Gateway) handleAgentTyping(w http.ResponseWriter, r *http.Request) {
	var req contract.TypingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	conv, _ := g.agentConversation(w, r)
	if conv == nil {
		return
	}
	if err := g.conversation.SetAgentTyping(r.Context(), conv.ID, req.Typing); err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentResolve handles POST /api/agent/conversations/{id}/resolve.
func (g *Gateway) handleAgentResolve(w http.ResponseWriter, r *http.Request) {
	conv, _ := g.agentConversation(w, r)
	if conv == nil {
		return
	}
	resolved, err := g.conversation.Resolve(r.Context(), conv.ID, conversation.Feedback{})
	if err != nil {
		g.writeError(w, err, contract.MsgClosed)
		return
	}
	g.writeJSON(w, http.StatusOK, contract.EndResponse{
		Success:        true,
		ConversationID: resolved.ID,
		Status:         string(resolved.Status),
	})
}

// writeError maps an orchestrator error to its status and fixed message.
// transitionMsg is used for invalid transitions, which read differently per action.
func (g *Gateway) writeError(w http.ResponseWriter, err error, transitionMsg string) {
	switch {
	case errors.Is(err, provider.ErrAllProvidersExhausted):
		g.sendJSONError(w, http.StatusServiceUnavailable, contract.MsgAssistantUnavailable)
	case errors.Is(err, conversation.ErrConversationNotFound):
		g.sendJSONError(w, http.StatusNotFound, contract.MsgNotFound)
	case errors.Is(err, conversation.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, transitionMsg)
	case errors.Is(err, conversation.ErrConversationResolved):
		g.sendJSONError(w, http.StatusConflict, contract.MsgClosed)
	case errors.Is(err, conversation.ErrDuplicateInFlight):
		g.sendJSONError(w, http.StatusConflict, contract.MsgInFlight)
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, contract.MsgInternal)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, contract.ErrorResponse{Error: message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. When allowEmpty is set a
// missing body leaves v untouched.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errEmptyBody
		}
		return err
	}
	return nil
}

func messageViews(msgs []*store.Message) []contract.Message {
	out := make([]contract.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *conversation.MessageView(m)
	}
	return out
}
