// ABOUTME: Tests for the widget and agent console HTTP handlers
// ABOUTME: Drives the full mux against a real SQLite store and a fake completion backend

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/contract"
)

const testShop = "acme.example"

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (c *apiClient) start(sessionID string) contract.StartResponse {
	c.t.Helper()
	var resp contract.StartResponse
	code := c.do(http.MethodPost, "/api/widget/conversations", contract.StartRequest{Shop: testShop, SessionID: sessionID}, &resp)
	require.Equal(c.t, http.StatusOK, code)
	return resp
}

func widgetClient(t *testing.T, gw *Gateway) *apiClient {
	return &apiClient{t: t, handler: gw.Handler()}
}

func TestWidgetAPI_ConversationLifecycle(t *testing.T) {
	fake := newFakeOpenAI(t, `{"response":"It ships tomorrow.","intent":"order_status","confidence":0.9,"suggested_actions":["track_order"]}`)
	gw := newTestGateway(t, testConfig(t, fake))
	c := widgetClient(t, gw)

	started := c.start("sess-1")
	require.NotEmpty(t, started.ConversationID)
	assert.Equal(t, contract.StatusActive, started.Status)
	convID := started.ConversationID

	// Send gets the assistant reply
	var sent contract.SendResponse
	code := c.do(http.MethodPost, "/api/widget/messages", contract.SendRequest{
		Shop: testShop, SessionID: "sess-1", ConversationID: convID, Message: "Where is my order?",
	}, &sent)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, sent.Success)
	assert.Equal(t, "It ships tomorrow.", sent.ResponseText)
	assert.Equal(t, "order_status", sent.Intent)
	require.NotNil(t, sent.Confidence)
	assert.InDelta(t, 0.9, *sent.Confidence, 1e-9)
	assert.Equal(t, []string{"track_order"}, sent.SuggestedActions)

	// Poll without a cursor returns the whole exchange
	var polled contract.PollResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/widget/conversations/"+convID+"/messages", nil, &polled))
	require.Len(t, polled.Messages, 2)
	assert.Equal(t, "user", polled.Messages[0].Role)
	assert.Equal(t, "assistant", polled.Messages[1].Role)

	// Escalate returns the handoff notice as a system message
	var escalated contract.EscalateResponse
	code = c.do(http.MethodPost, "/api/widget/conversations/"+convID+"/escalate", contract.EscalateRequest{Reason: "wants a human"}, &escalated)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, escalated.Success)
	assert.Equal(t, contract.StatusEscalated, escalated.Status)
	require.NotNil(t, escalated.SystemMessage)
	assert.Equal(t, "system", escalated.SystemMessage.Role)

	// Sends after escalation are stored without an assistant reply
	calls := fake.calls.Load()
	code = c.do(http.MethodPost, "/api/widget/messages", contract.SendRequest{
		Shop: testShop, SessionID: "sess-1", ConversationID: convID, Message: "hello?",
	}, &sent)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, sent.ResponseText)
	assert.Equal(t, contract.StatusEscalated, sent.Status)
	assert.Equal(t, calls, fake.calls.Load())

	// Poll from the system message onwards sees only the new user message
	since := escalated.SystemMessage.CreatedAt.Format(time.RFC3339Nano)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/widget/conversations/"+convID+"/messages?since="+since, nil, &polled))
	require.Len(t, polled.Messages, 1)
	assert.Equal(t, "hello?", polled.Messages[0].Content)
	assert.Equal(t, contract.StatusEscalated, polled.Status)

	// End twice: both succeed
	rating := 5
	var ended contract.EndResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/widget/conversations/"+convID+"/end", contract.EndRequest{Rating: &rating}, &ended))
	assert.Equal(t, contract.StatusResolved, ended.Status)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/widget/conversations/"+convID+"/end", nil, &ended))
	assert.True(t, ended.Success)

	// Escalating a resolved conversation fails and leaves it resolved
	var errResp contract.ErrorResponse
	code = c.do(http.MethodPost, "/api/widget/conversations/"+convID+"/escalate", nil, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, contract.MsgCannotEscalate, errResp.Error)

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/widget/conversations/"+convID+"/messages", nil, &polled))
	assert.Equal(t, contract.StatusResolved, polled.Status)

	// Sending to the resolved conversation is rejected
	code = c.do(http.MethodPost, "/api/widget/messages", contract.SendRequest{
		Shop: testShop, SessionID: "sess-1", ConversationID: convID, Message: "still there?",
	}, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, contract.MsgClosed, errResp.Error)
}

func TestWidgetAPI_StartResumesOpenConversation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, newFakeOpenAI(t, "hello")))
	c := widgetClient(t, gw)

	first := c.start("sess-2")
	second := c.start("sess-2")
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.True(t, second.Resumed)

	other := c.start("sess-3")
	assert.NotEqual(t, first.ConversationID, other.ConversationID)
}

func TestWidgetAPI_AllProvidersFail(t *testing.T) {
	fake := newFakeOpenAI(t, "unused")
	fake.fail.Store(true)
	gw := newTestGateway(t, testConfig(t, fake))
	c := widgetClient(t, gw)

	convID := c.start("sess-4").ConversationID

	var errResp contract.ErrorResponse
	code := c.do(http.MethodPost, "/api/widget/messages", contract.SendRequest{
		Shop: testShop, SessionID: "sess-4", ConversationID: convID, Message: "anyone?",
	}, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, contract.MsgAssistantUnavailable, errResp.Error)

	// Nothing was persisted for the failed exchange
	var polled contract.PollResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/widget/conversations/"+convID+"/messages", nil, &polled))
	assert.Empty(t, polled.Messages)
}

func TestWidgetAPI_NoProvidersConfigured(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, nil))
	c := widgetClient(t, gw)

	var errResp contract.ErrorResponse
	code := c.do(http.MethodPost, "/api/widget/messages", contract.SendRequest{
		Shop: testShop, SessionID: "sess-5", Message: "hi",
	}, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, contract.MsgAssistantUnavailable, errResp.Error)
}

func TestWidgetAPI_IdempotentRetry(t *testing.T) {
	fake := newFakeOpenAI(t, "First answer")
	gw := newTestGateway(t, testConfig(t, fake))
	c := widgetClient(t, gw)

	req := contract.SendRequest{Shop: testShop, SessionID: "sess-6", Message: "hi", ClientMessageID: "m-1"}
	var first, retry contract.SendResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/widget/messages", req, &first))

	fake.reply.Store("Second answer")
	req.ConversationID = first.ConversationID
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/widget/messages", req, &retry))

	assert.Equal(t, first.MessageID, retry.MessageID)
	assert.Equal(t, "First answer", retry.ResponseText)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestWidgetAPI_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, nil))
	c := widgetClient(t, gw)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		msg    string
	}{
		{"start without session", http.MethodPost, "/api/widget/conversations", contract.StartRequest{Shop: testShop}, http.StatusBadRequest, "shop and sessionId are required"},
		{"send without message", http.MethodPost, "/api/widget/messages", contract.SendRequest{Shop: testShop, SessionID: "s"}, http.StatusBadRequest, "message is required"},
		{"send to unknown conversation", http.MethodPost, "/api/widget/messages", contract.SendRequest{Shop: testShop, SessionID: "s", ConversationID: "nope", Message: "hi"}, http.StatusNotFound, contract.MsgNotFound},
		{"poll unknown conversation", http.MethodGet, "/api/widget/conversations/nope/messages", nil, http.StatusNotFound, contract.MsgNotFound},
		{"poll bad cursor", http.MethodGet, "/api/widget/conversations/nope/messages?since=yesterday", nil, http.StatusBadRequest, "since must be an RFC3339 timestamp"},
		{"escalate unknown conversation", http.MethodPost, "/api/widget/conversations/nope/escalate", nil, http.StatusNotFound, contract.MsgNotFound},
		{"end with bad rating", http.MethodPost, "/api/widget/conversations/nope/end", map[string]int{"rating": 9}, http.StatusBadRequest, "rating must be between 1 and 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp contract.ErrorResponse
			code := c.do(tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.msg, errResp.Error)
		})
	}
}

func TestAgentAPI_NotMountedWithoutSecret(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, nil))
	c := widgetClient(t, gw)

	code := c.do(http.MethodGet, "/api/agent/conversations/abc", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAgentAPI(t *testing.T) {
	cfg := testConfig(t, newFakeOpenAI(t, "hello"))
	cfg.Auth.JWTSecret = testJWTSecret
	gw := newTestGateway(t, cfg)

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("sam", []string{testShop}, time.Hour)
	require.NoError(t, err)
	otherToken, err := verifier.Generate("kim", []string{"other.example"}, time.Hour)
	require.NoError(t, err)

	widget := widgetClient(t, gw)
	convID := widget.start("sess-7").ConversationID
	base := "/api/agent/conversations/" + convID

	anon := &apiClient{t: t, handler: gw.Handler()}
	assert.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, base, nil, nil))

	outsider := &apiClient{t: t, handler: gw.Handler(), token: otherToken}
	assert.Equal(t, http.StatusForbidden, outsider.do(http.MethodGet, base, nil, nil))

	agent := &apiClient{t: t, handler: gw.Handler(), token: token}

	var msg contract.Message
	require.Equal(t, http.StatusCreated, agent.do(http.MethodPost, base+"/messages", contract.AgentMessageRequest{Content: "Hi, I'm Sam."}, &msg))
	assert.Equal(t, "agent", msg.Role)

	assert.Equal(t, http.StatusNoContent, agent.do(http.MethodPost, base+"/typing", contract.TypingRequest{Typing: true}, nil))

	var view contract.ConversationView
	require.Equal(t, http.StatusOK, agent.do(http.MethodGet, base, nil, &view))
	assert.Equal(t, testShop, view.Shop)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "Hi, I'm Sam.", view.Messages[0].Content)

	var ended contract.EndResponse
	require.Equal(t, http.StatusOK, agent.do(http.MethodPost, base+"/resolve", nil, &ended))
	assert.Equal(t, contract.StatusResolved, ended.Status)

	var errResp contract.ErrorResponse
	assert.Equal(t, http.StatusConflict, agent.do(http.MethodPost, base+"/messages", contract.AgentMessageRequest{Content: "late"}, &errResp))
	assert.Equal(t, contract.MsgClosed, errResp.Error)
}
