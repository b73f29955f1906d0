// ABOUTME: Redis pub/sub relay that shares push events between gateway instances
// ABOUTME: Local subscribers get events from every instance; echoes of our own events are skipped

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/conversation"
)

const (
	defaultPrefix    = "support:conv"
	outboxSize       = 256
	publishTimeout   = 2 * time.Second
	subscribeBackoff = time.Second
)

// Conn is the part of the Redis client the relay uses
type Conn interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type outgoing struct {
	channel string
	payload []byte
}

// Relay publishes events locally and to Redis, and replays events from
// other instances to local subscribers.
type Relay struct {
	conn   Conn
	local  conversation.Publisher
	prefix string
	origin string
	outbox chan outgoing
	logger *slog.Logger
}

// New creates a relay over conn. An empty prefix uses the default channel prefix.
// Pass nil logger for default.
func New(conn Conn, local conversation.Publisher, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	origin := uuid.New().String()
	return &Relay{
		conn:   conn,
		local:  local,
		prefix: strings.TrimSuffix(prefix, ":"),
		origin: origin,
		outbox: make(chan outgoing, outboxSize),
		logger: logger.With("component", "relay", "origin", origin),
	}
}

// NewClient opens a go-redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Origin returns the identifier stamped on events from this instance.
func (r *Relay) Origin() string {
	return r.origin
}

// Publish delivers event to local subscribers and queues it for Redis.
// It never blocks; if the outbox is full the remote copy is dropped.
func (r *Relay) Publish(conversationID string, event *contract.Event, excludeSubID string) {
	r.local.Publish(conversationID, event, excludeSubID)

	stamped := *event
	stamped.Origin = r.origin
	payload, err := json.Marshal(&stamped)
	if err != nil {
		r.logger.Error("failed to encode event", "conversation_id", conversationID, "error", err)
		return
	}

	select {
	case r.outbox <- outgoing{channel: r.channel(conversationID), payload: payload}:
	default:
		r.logger.Warn("relay outbox full, event not shared", "conversation_id", conversationID, "type", event.Type)
	}
}

// Run sends queued events and listens for events from other instances until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sendLoop(ctx) })
	g.Go(func() error { return r.receiveLoop(ctx) })
	return g.Wait()
}

func (r *Relay) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-r.outbox:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.conn.Publish(pctx, out.channel, out.payload).Err()
			cancel()
			if err != nil {
				r.logger.Warn("redis publish failed", "channel", out.channel, "error", err)
			}
		}
	}
}

// receiveLoop keeps a pattern subscription open, resubscribing after errors.
func (r *Relay) receiveLoop(ctx context.Context) error {
	for {
		if err := r.subscribeOnce(ctx); err != nil {
			r.logger.Warn("redis subscription lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscribeBackoff):
		}
	}
}

func (r *Relay) subscribeOnce(ctx context.Context) error {
	ps := r.conn.PSubscribe(ctx, r.prefix+":*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+":*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			r.deliver(msg.Channel, msg.Payload)
		}
	}
}

// deliver replays a remote event to local subscribers.
func (r *Relay) deliver(channel, payload string) {
	var ev contract.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("dropping malformed relay payload", "channel", channel, "error", err)
		return
	}
	if ev.Origin == r.origin {
		return
	}

	convID := strings.TrimPrefix(channel, r.prefix+":")
	if ev.ConversationID == "" {
		ev.ConversationID = convID
	}
	if ev.ConversationID != convID {
		r.logger.Warn("relay payload does not match channel", "channel", channel, "conversation_id", ev.ConversationID)
		return
	}
	r.local.Publish(ev.ConversationID, &ev, "")
}

func (r *Relay) channel(conversationID string) string {
	return r.prefix + ":" + conversationID
}

var _ conversation.Publisher = (*Relay)(nil)
