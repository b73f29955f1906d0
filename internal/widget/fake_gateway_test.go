// ABOUTME: In-process stand-in for the gateway's widget API used by client tests
// ABOUTME: Push can be switched off or dropped to drive the client between transports

package widget

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/contract"
)

var fakeEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	convSeq     int
	convID      string
	status      string
	messages    []contract.Message
	msgSeq      int
	pushOK      bool
	ignoreSince bool
	conns       []*websocket.Conn
	joins       int
	polls       int
}

func newFakeGateway(t *testing.T, pushOK bool) *fakeGateway {
	t.Helper()
	f := &fakeGateway{pushOK: pushOK}
	f.newConversationLocked()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/widget/conversations", f.handleStart)
	mux.HandleFunc("POST /api/widget/messages", f.handleSend)
	mux.HandleFunc("POST /api/widget/conversations/{id}/escalate", f.handleEscalate)
	mux.HandleFunc("POST /api/widget/conversations/{id}/end", f.handleEnd)
	mux.HandleFunc("GET /api/widget/conversations/{id}/messages", f.handlePoll)
	mux.HandleFunc("GET /api/widget/ws", f.handlePush)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.dropPush()
		f.srv.Close()
	})
	return f
}

func (f *fakeGateway) newConversationLocked() {
	f.convSeq++
	f.convID = fmt.Sprintf("conv-%d", f.convSeq)
	f.status = contract.StatusActive
	f.messages = nil
}

// addLocked stores a message with a strictly increasing timestamp.
func (f *fakeGateway) addLocked(id, role, content string) contract.Message {
	f.msgSeq++
	if id == "" {
		id = fmt.Sprintf("m-%d", f.msgSeq)
	}
	m := contract.Message{
		ID:        id,
		Role:      role,
		Content:   content,
		CreatedAt: fakeEpoch.Add(time.Duration(f.msgSeq) * time.Millisecond),
	}
	f.messages = append(f.messages, m)
	return m
}

// agentSays stores an agent message and pushes it to every joined socket.
func (f *fakeGateway) agentSays(id, content string) contract.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.addLocked(id, "agent", content)
	f.broadcastLocked(contract.Event{Type: contract.EventMessage, ConversationID: f.convID, Message: &m})
	return m
}

// repush sends an already stored message over push again.
func (f *fakeGateway) repush(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			f.broadcastLocked(contract.Event{Type: contract.EventMessage, ConversationID: f.convID, Message: &m})
			return
		}
	}
}

func (f *fakeGateway) typing(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastLocked(contract.Event{Type: contract.EventAgentTyping, ConversationID: f.convID, Typing: &on})
}

// resolve ends the conversation from the agent side.
func (f *fakeGateway) resolve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = contract.StatusResolved
	f.broadcastLocked(contract.Event{Type: contract.EventStatusChanged, ConversationID: f.convID, Status: f.status})
}

func (f *fakeGateway) broadcastLocked(ev contract.Event) {
	for _, conn := range f.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(ev)
	}
}

func (f *fakeGateway) setPush(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushOK = ok
}

func (f *fakeGateway) setIgnoreSince(ignore bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreSince = ignore
}

// dropPush closes every push socket from the server side.
func (f *fakeGateway) dropPush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	f.conns = nil
}

func (f *fakeGateway) counts() (joins, conns, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, len(f.conns), f.polls
}

func (f *fakeGateway) handleStart(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == contract.StatusResolved {
		f.newConversationLocked()
	}
	writeFakeJSON(w, http.StatusOK, contract.StartResponse{
		ConversationID: f.convID,
		Status:         f.status,
		WelcomeMessage: "Hi! How can we help?",
		Resumed:        len(f.messages) > 0,
		Messages:       slices.Clone(f.messages),
	})
}

func (f *fakeGateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req contract.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFakeJSON(w, http.StatusBadRequest, contract.ErrorResponse{Error: "invalid JSON body"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case req.ConversationID == "" && f.status == contract.StatusResolved:
		f.newConversationLocked()
	case req.ConversationID != "" && req.ConversationID != f.convID:
		writeFakeJSON(w, http.StatusNotFound, contract.ErrorResponse{Error: contract.MsgNotFound})
		return
	case f.status == contract.StatusResolved:
		writeFakeJSON(w, http.StatusConflict, contract.ErrorResponse{Error: contract.MsgClosed})
		return
	}

	user := f.addLocked("", "user", req.Message)
	resp := contract.SendResponse{
		Success:        true,
		ConversationID: f.convID,
		UserMessageID:  user.ID,
		Status:         f.status,
		CreatedAt:      user.CreatedAt,
	}
	if f.status == contract.StatusActive {
		reply := f.addLocked("", "assistant", "echo: "+req.Message)
		resp.MessageID = reply.ID
		resp.ResponseText = reply.Content
		resp.CreatedAt = reply.CreatedAt
	}
	writeFakeJSON(w, http.StatusOK, resp)
}

func (f *fakeGateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.PathValue("id") != f.convID || f.status != contract.StatusActive {
		writeFakeJSON(w, http.StatusConflict, contract.ErrorResponse{Error: contract.MsgCannotEscalate})
		return
	}
	f.status = contract.StatusEscalated
	notice := f.addLocked("", "system", "Connecting you with a team member.")
	writeFakeJSON(w, http.StatusOK, contract.EscalateResponse{
		Success:        true,
		ConversationID: f.convID,
		Status:         f.status,
		SystemMessage:  &notice,
	})
}

func (f *fakeGateway) handleEnd(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = contract.StatusResolved
	writeFakeJSON(w, http.StatusOK, contract.EndResponse{Success: true, ConversationID: f.convID, Status: f.status})
}

func (f *fakeGateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeFakeJSON(w, http.StatusBadRequest, contract.ErrorResponse{Error: "since must be an RFC3339 timestamp"})
			return
		}
		since = parsed
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++

	resp := contract.PollResponse{ConversationID: f.convID, Status: f.status, Messages: []contract.Message{}}
	for _, m := range f.messages {
		if f.ignoreSince || m.CreatedAt.After(since) {
			resp.Messages = append(resp.Messages, m)
		}
	}
	writeFakeJSON(w, http.StatusOK, resp)
}

func (f *fakeGateway) handlePush(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	ok := f.pushOK
	f.mu.Unlock()
	if !ok {
		http.Error(w, "push disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var join contract.JoinFrame
	if err := conn.ReadJSON(&join); err != nil {
		return
	}

	f.mu.Lock()
	if join.Type != contract.JoinType || join.ConversationID != f.convID {
		f.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, contract.MsgNotFound),
			time.Now().Add(time.Second))
		return
	}
	f.conns = append(f.conns, conn)
	f.joins++
	f.mu.Unlock()

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	f.mu.Lock()
	f.conns = slices.DeleteFunc(f.conns, func(c *websocket.Conn) bool { return c == conn })
	f.mu.Unlock()
}

func writeFakeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recorder is a Renderer that remembers everything it was shown.
type recorder struct {
	mu       sync.Mutex
	messages []contract.Message
	states   []Snapshot
	typing   []bool
}

func (r *recorder) ShowMessage(m contract.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) ShowState(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) ShowTyping(typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, typing)
}

// timesShown counts how often a message ID was rendered.
func (r *recorder) timesShown(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.ID == id {
			n++
		}
	}
	return n
}

func (r *recorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Content)
	}
	return out
}

func (r *recorder) sawReconnecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Reconnecting {
			return true
		}
	}
	return false
}

func (r *recorder) typingShown() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.typing)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
