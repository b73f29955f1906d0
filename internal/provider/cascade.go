// ABOUTME: Sequential fallback cascade across completion providers
// ABOUTME: Each call is bounded by a timeout and the cascade stops at the first success

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 60 * time.Second

// Attempt records the outcome of one provider call within a cascade
type Attempt struct {
	Provider string
	Err      error
	Duration time.Duration
}

// Cascade tries providers one at a time in preference order.
type Cascade struct {
	providers []CompletionProvider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCascade creates a cascade over a fixed provider set. A zero timeout
// uses DefaultCallTimeout. Pass nil logger for default.
func NewCascade(providers []CompletionProvider, timeout time.Duration, logger *slog.Logger) *Cascade {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{
		providers: providers,
		timeout:   timeout,
		logger:    logger.With("component", "cascade"),
	}
}

// Providers returns the provider set the cascade was built with.
func (c *Cascade) Providers() []CompletionProvider {
	return c.providers
}

// Run tries each configured provider in the order given by pref until one
// succeeds. Provider failures are logged and recorded in the returned attempts.
// If no provider succeeds the error wraps ErrAllProvidersExhausted.
func (c *Cascade) Run(ctx context.Context, pref Preference, cc *ChatContext) (*Result, []Attempt, error) {
	ordered := Order(c.providers, pref)
	attempts := make([]Attempt, 0, len(ordered))

	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, attempts, fmt.Errorf("%w: %w", ErrAllProvidersExhausted, err)
		}

		start := time.Now()
		res, err := c.call(ctx, p, cc)
		attempt := Attempt{Provider: p.Name(), Err: err, Duration: time.Since(start)}
		attempts = append(attempts, attempt)

		if err != nil {
			c.logger.Warn("provider failed, trying next",
				"provider", p.Name(),
				"duration", attempt.Duration,
				"error", err)
			continue
		}

		res.ProviderID = p.Name()
		res.Latency = attempt.Duration
		c.logger.Debug("provider succeeded",
			"provider", p.Name(),
			"parse", res.Parse.String(),
			"tokens", res.TokensUsed,
			"attempts", len(attempts))
		return res, attempts, nil
	}

	if len(ordered) == 0 {
		c.logger.Warn("no configured providers", "preferred", pref.Preferred, "fallback", pref.Fallback)
	}
	return nil, attempts, ErrAllProvidersExhausted
}

type callOutcome struct {
	res *Result
	err error
}

// call runs one provider with its own deadline. The provider runs in its own
// goroutine so one that ignores cancellation is abandoned at the deadline.
func (c *Cascade) call(ctx context.Context, p CompletionProvider, cc *ChatContext) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		res, err := p.Complete(callCtx, cc)
		done <- callOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return nil, ErrProviderTimeout
			}
			if errors.Is(out.err, ErrProviderError) || errors.Is(out.err, ErrProviderUnavailable) {
				return nil, out.err
			}
			return nil, fmt.Errorf("%w: %v", ErrProviderError, out.err)
		}
		if out.res == nil {
			return nil, fmt.Errorf("%w: %s: empty result", ErrProviderError, p.Name())
		}
		if strings.TrimSpace(out.res.Text) == "" {
			return nil, fmt.Errorf("%w: %s: empty reply", ErrProviderError, p.Name())
		}
		return out.res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrProviderTimeout
	}
}
