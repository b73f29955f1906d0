// ABOUTME: Websocket push endpoint that streams conversation events to widgets
// ABOUTME: A socket joins one conversation group and receives every event published to it

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/store"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 10 * time.Second
	joinTimeout         = 10 * time.Second
)

// newUpgrader builds the websocket upgrader. An empty allow list accepts any origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}

func (g *Gateway) pushTimings() (ping, write time.Duration) {
	ping, write = g.config.Push.PingInterval, g.config.Push.WriteTimeout
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if write <= 0 {
		write = defaultWriteTimeout
	}
	return ping, write
}

// handlePush handles GET /api/widget/ws. The first frame must be a join for an
// existing conversation; the socket then receives that conversation's events
// until either side goes away.
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pingInterval, writeTimeout := g.pushTimings()

	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	var join contract.JoinFrame
	if err := conn.ReadJSON(&join); err != nil || join.Type != contract.JoinType || join.ConversationID == "" {
		closeSocket(conn, websocket.ClosePolicyViolation, "expected join frame", writeTimeout)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := g.store.GetConversation(ctx, join.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			closeSocket(conn, websocket.ClosePolicyViolation, contract.MsgNotFound, writeTimeout)
		} else {
			g.logger.Error("failed to load conversation for push", "conversation_id", join.ConversationID, "error", err)
			closeSocket(conn, websocket.CloseInternalServerErr, contract.MsgInternal, writeTimeout)
		}
		return
	}

	events, subID := g.broadcaster.Subscribe(ctx, join.ConversationID)
	log := g.logger.With("conversation_id", join.ConversationID, "sub_id", subID)
	log.Debug("push socket joined")

	go readPump(conn, cancel, pingInterval)
	writePump(ctx, conn, events, pingInterval, writeTimeout)
	log.Debug("push socket closed")
}

// readPump discards inbound frames and keeps the read deadline moving on pongs.
// It cancels the socket's context once the peer is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, pingInterval time.Duration) {
	defer cancel()
	pongWait := 2 * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump is the socket's only writer.
func writePump(ctx context.Context, conn *websocket.Conn, events <-chan *contract.Event, pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeSocket(conn, websocket.CloseNormalClosure, "", writeTimeout)
			return
		case ev, ok := <-events:
			if !ok {
				closeSocket(conn, websocket.CloseGoingAway, "server shutting down", writeTimeout)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, text string, writeTimeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
