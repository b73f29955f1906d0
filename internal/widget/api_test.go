// ABOUTME: Tests for the widget API client
// ABOUTME: Covers URL derivation, error bodies and the poll cursor parameter

package widget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/contract"
)

func TestAPI_PushURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/widget/ws"},
		{"https://support.acme.example/", "wss://support.acme.example/api/widget/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewAPI(tt.base, nil).PushURL())
	}
}

func TestAPI_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, http.StatusServiceUnavailable, contract.ErrorResponse{Error: contract.MsgAssistantUnavailable})
	}))
	defer srv.Close()

	_, err := NewAPI(srv.URL, nil).Send(context.Background(), contract.SendRequest{Shop: "acme.example", SessionID: "s", Message: "hi"})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, contract.MsgAssistantUnavailable, apiErr.Message)
}

func TestAPI_PlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewAPI(srv.URL, nil).Start(context.Background(), contract.StartRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestAPI_PollSince(t *testing.T) {
	since := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)

	got := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/widget/conversations/conv-1/messages", r.URL.Path)
		got <- r.URL.Query().Get("since")
		writeFakeJSON(w, http.StatusOK, contract.PollResponse{ConversationID: "conv-1", Status: contract.StatusEscalated})
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, nil)
	resp, err := api.Poll(context.Background(), "conv-1", since)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusEscalated, resp.Status)
	assert.Equal(t, "2026-03-04T05:06:07.123456789Z", <-got)

	_, err = api.Poll(context.Background(), "conv-1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, <-got)
}

func TestCursor_NeverMovesBackwards(t *testing.T) {
	var c Cursor
	t1 := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	t0 := t1.Add(-time.Second)

	c.advance(t1)
	c.advance(t0)
	c.advance(time.Time{})
	assert.Equal(t, t1, c.Get())
}
