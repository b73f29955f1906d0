// ABOUTME: Tests for the Slack escalation notifier against a fake Slack API
// ABOUTME: Checks the posted channel, fallback text and block content

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/store"
)

func TestSlackNotifier_PostsEscalation(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"channel": r.FormValue("channel"),
			"text":    r.FormValue("text"),
			"blocks":  r.FormValue("blocks"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	n, err := NewSlack(SlackConfig{Token: "xoxb-test", Channel: "C123", APIURL: srv.URL + "/", ConsoleURL: "https://support.example/"}, nil)
	require.NoError(t, err)

	conv := &store.Conversation{ID: "conv-1", Shop: "acme.example", EscalationReason: "asked for a human", PrimaryIntent: "returns"}
	require.NoError(t, n.NotifyEscalation(context.Background(), conv, "I want my money back"))

	assert.Equal(t, "C123", form["channel"])
	assert.Contains(t, form["text"], "conv-1")
	assert.Contains(t, form["blocks"], "asked for a human")
	assert.Contains(t, form["blocks"], "I want my money back")
	assert.Contains(t, form["blocks"], "https://support.example/api/agent/conversations/conv-1")
}

func TestSlackNotifier_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n, err := NewSlack(SlackConfig{Token: "xoxb-test", Channel: "C404", APIURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	err = n.NotifyEscalation(context.Background(), &store.Conversation{ID: "c", Shop: "s"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestNewSlack_RequiresTokenAndChannel(t *testing.T) {
	_, err := NewSlack(SlackConfig{Channel: "C1"}, nil)
	assert.Error(t, err)
	_, err = NewSlack(SlackConfig{Token: "x"}, nil)
	assert.Error(t, err)
}

func TestEscalationBlocks_QuoteTruncated(t *testing.T) {
	long := strings.Repeat("a", maxQuoteLen+50)
	blocks := escalationBlocks(&store.Conversation{ID: "c", Shop: "s"}, long, "")
	require.Len(t, blocks, 4)

	short := escalationBlocks(&store.Conversation{ID: "c", Shop: "s"}, "", "")
	assert.Len(t, short, 2)
	assert.Equal(t, "bbb…", truncate("bbbbbb", 3))
}
