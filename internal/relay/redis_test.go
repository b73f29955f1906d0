// ABOUTME: Tests for the Redis relay using a fake connection
// ABOUTME: Verifies local fan-out, remote encoding, echo suppression and channel checks

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/conversation"
)

type published struct {
	channel string
	payload []byte
}

type fakeConn struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakeConn) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeConn) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (f *fakeConn) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func TestRelay_PublishesLocallyAndRemotely(t *testing.T) {
	local := conversation.NewEventBroadcaster(nil)
	defer local.Close()
	conn := &fakeConn{}
	r := New(conn, local, "test:conv", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.sendLoop(ctx) }()

	sub, _ := local.Subscribe(t.Context(), "c1")
	r.Publish("c1", &contract.Event{Type: contract.EventStatusChanged, ConversationID: "c1", Status: contract.StatusResolved}, "")

	select {
	case ev := <-sub:
		assert.Equal(t, contract.StatusResolved, ev.Status)
		assert.Empty(t, ev.Origin, "local copy is not stamped")
	case <-time.After(time.Second):
		t.Fatal("local subscriber did not receive event")
	}

	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := conn.messages()[0]
	assert.Equal(t, "test:conv:c1", msg.channel)

	var ev contract.Event
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	assert.Equal(t, r.Origin(), ev.Origin)
	assert.Equal(t, contract.EventStatusChanged, ev.Type)
}

func TestRelay_DeliverRemoteEvent(t *testing.T) {
	local := conversation.NewEventBroadcaster(nil)
	defer local.Close()
	r := New(&fakeConn{}, local, "", nil)

	sub, _ := local.Subscribe(t.Context(), "c1")
	payload, err := json.Marshal(contract.Event{
		Type:           contract.EventMessage,
		ConversationID: "c1",
		Message:        &contract.Message{ID: "42", Role: "agent", Content: "hi"},
		Origin:         "other-instance",
	})
	require.NoError(t, err)

	r.deliver(defaultPrefix+":c1", string(payload))

	select {
	case ev := <-sub:
		assert.Equal(t, "42", ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("remote event was not delivered")
	}
}

func TestRelay_DeliverSkipsEchoAndMismatch(t *testing.T) {
	local := conversation.NewEventBroadcaster(nil)
	defer local.Close()
	r := New(&fakeConn{}, local, "", nil)
	sub, _ := local.Subscribe(t.Context(), "c1")

	echo, _ := json.Marshal(contract.Event{Type: contract.EventMessage, ConversationID: "c1", Origin: r.Origin()})
	r.deliver(defaultPrefix+":c1", string(echo))

	wrong, _ := json.Marshal(contract.Event{Type: contract.EventMessage, ConversationID: "c2", Origin: "x"})
	r.deliver(defaultPrefix+":c1", string(wrong))

	r.deliver(defaultPrefix+":c1", "{not json")

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_OutboxFullDropsRemoteCopy(t *testing.T) {
	local := conversation.NewEventBroadcaster(nil)
	defer local.Close()
	r := New(&fakeConn{}, local, "", nil)

	for i := 0; i < outboxSize+5; i++ {
		r.Publish("c1", &contract.Event{Type: contract.EventAgentTyping, ConversationID: "c1"}, "")
	}
	assert.Len(t, r.outbox, outboxSize)
}
