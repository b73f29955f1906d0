// ABOUTME: Websocket push transport for escalated conversations
// ABOUTME: Dials with bounded attempts, reconnects after drops and redials in the background

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/contract"
)

// ErrTransportUnavailable means push could not be established within its
// attempts. The client falls back to polling when it sees it.
var ErrTransportUnavailable = errors.New("push transport unavailable")

const (
	attemptBackoff = 200 * time.Millisecond
	writeTimeout   = 10 * time.Second
)

type pushSettings struct {
	url            string
	attempts       int
	attemptTimeout time.Duration
	redialInterval time.Duration
	readTimeout    time.Duration
}

// pushTransport keeps one push socket open for a conversation and reports
// its state to the client loop as pushUp, pushLost and pushFailed.
type pushTransport struct {
	settings       pushSettings
	conversationID string
	dialer         *websocket.Dialer
	out            chan<- envelope
	logger         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func startPush(ctx context.Context, settings pushSettings, conversationID string, dialer *websocket.Dialer, out chan<- envelope, logger *slog.Logger) *pushTransport {
	ctx, cancel := context.WithCancel(ctx)
	p := &pushTransport{
		settings:       settings,
		conversationID: conversationID,
		dialer:         dialer,
		out:            out,
		logger:         logger,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// stop closes the socket and waits for the transport goroutine to exit.
func (p *pushTransport) stop() {
	p.cancel()
	<-p.done
}

func (p *pushTransport) run(ctx context.Context) {
	defer close(p.done)

	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("push unavailable", "error", err)
			p.emit(ctx, pushFailed{from: p})
			if !p.wait(ctx, p.settings.redialInterval) {
				return
			}
			continue
		}

		p.emit(ctx, pushUp{from: p})
		err = p.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		// A policy close means the server rejected the join; redialing
		// straight away would get the same answer.
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			p.logger.Warn("push join rejected", "error", err)
			p.emit(ctx, pushFailed{from: p})
			if !p.wait(ctx, p.settings.redialInterval) {
				return
			}
			continue
		}

		p.logger.Debug("push connection lost", "error", err)
		p.emit(ctx, pushLost{from: p})
	}
}

// connect dials and joins, giving up after the configured attempts.
func (p *pushTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.settings.attempts; attempt++ {
		conn, err := p.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < p.settings.attempts && !p.wait(ctx, time.Duration(attempt)*attemptBackoff) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrTransportUnavailable, p.settings.attempts, lastErr)
}

func (p *pushTransport) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.settings.attemptTimeout)
	defer cancel()

	conn, resp, err := p.dialer.DialContext(dialCtx, p.settings.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p.settings.url, err)
	}

	join := contract.JoinFrame{Type: contract.JoinType, ConversationID: p.conversationID}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending join: %w", err)
	}
	return conn, nil
}

// read forwards frames to the loop until the connection fails or ctx ends.
func (p *pushTransport) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(p.settings.readTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var ev contract.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		extend()
		p.forward(ctx, ev)
	}
}

func (p *pushTransport) forward(ctx context.Context, ev contract.Event) {
	switch ev.Type {
	case contract.EventMessage:
		if ev.Message != nil {
			p.emit(ctx, messagesArrived{conversationID: ev.ConversationID, messages: []contract.Message{*ev.Message}})
		}
	case contract.EventStatusChanged:
		p.emit(ctx, messagesArrived{conversationID: ev.ConversationID, status: ev.Status})
	case contract.EventAgentTyping:
		if ev.Typing != nil {
			p.emit(ctx, typingChanged{conversationID: ev.ConversationID, typing: *ev.Typing})
		}
	default:
		p.logger.Debug("ignoring push event", "type", ev.Type)
	}
}

func (p *pushTransport) emit(ctx context.Context, ev event) {
	select {
	case p.out <- envelope{ev: ev}:
	case <-ctx.Done():
	}
}

// wait sleeps for d and reports false if ctx ended first.
func (p *pushTransport) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
