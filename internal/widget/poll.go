// ABOUTME: Polling transport used while push is unavailable
// ABOUTME: Fetches messages newer than the shared cursor on a fixed interval

package widget

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often an active poll transport fetches.
const DefaultPollInterval = 3 * time.Second

// pollTransport runs for the life of an escalation but only fetches while
// active. The client loop activates it when push fails and suspends it
// when push comes up.
type pollTransport struct {
	api            *API
	conversationID string
	cursor         *Cursor
	interval       time.Duration
	out            chan<- envelope
	logger         *slog.Logger

	active  atomic.Bool
	catchUp atomic.Pointer[time.Time]
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func startPoll(ctx context.Context, api *API, conversationID string, cursor *Cursor, interval time.Duration, out chan<- envelope, logger *slog.Logger) *pollTransport {
	ctx, cancel := context.WithCancel(ctx)
	p := &pollTransport{
		api:            api,
		conversationID: conversationID,
		cursor:         cursor,
		interval:       interval,
		out:            out,
		logger:         logger,
		wake:           make(chan struct{}, 1),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// resume starts fetching immediately and then every interval.
func (p *pollTransport) resume() {
	p.active.Store(true)
	p.poke()
}

func (p *pollTransport) suspend() {
	p.active.Store(false)
}

// fetchOnce requests a single fetch from since, even while suspended.
func (p *pollTransport) fetchOnce(since time.Time) {
	p.catchUp.Store(&since)
	p.poke()
}

func (p *pollTransport) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pollTransport) stop() {
	p.cancel()
	<-p.done
}

func (p *pollTransport) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}

		if since := p.catchUp.Swap(nil); since != nil {
			p.fetch(ctx, *since)
		} else if p.active.Load() {
			p.fetch(ctx, p.cursor.Get())
		}
	}
}

func (p *pollTransport) fetch(ctx context.Context, since time.Time) {
	resp, err := p.api.Poll(ctx, p.conversationID, since)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("poll failed", "conversation_id", p.conversationID, "error", err)
		}
		return
	}

	select {
	case p.out <- envelope{ev: messagesArrived{
		conversationID: resp.ConversationID,
		messages:       resp.Messages,
		status:         resp.Status,
	}}:
	case <-ctx.Done():
	}
}
