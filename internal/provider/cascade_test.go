// ABOUTME: Tests for provider ordering and the sequential fallback cascade
// ABOUTME: Uses scripted fake providers to observe call order and timeouts

package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scripted CompletionProvider.
type fakeProvider struct {
	name       string
	priority   int
	configured bool
	delay      time.Duration
	ignoreCtx  bool
	err        error
	text       string

	calls *callLog
}

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (f *fakeProvider) Name() string           { return f.name }
func (f *fakeProvider) Priority() int          { return f.priority }
func (f *fakeProvider) IsConfigured() bool     { return f.configured }
func (f *fakeProvider) Capabilities() []string { return []string{"chat"} }

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return f.err }

func (f *fakeProvider) Complete(ctx context.Context, cc *ChatContext) (*Result, error) {
	if f.calls != nil {
		f.calls.add(f.name)
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	reply, kind := ParseReply(f.text)
	return &Result{Reply: reply, Parse: kind, TokensUsed: 10}, nil
}

func names(ps []CompletionProvider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

func TestOrder_PreferredThenFallbackThenPriority(t *testing.T) {
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: true},
		&fakeProvider{name: "B", priority: 2, configured: true},
		&fakeProvider{name: "C", priority: 0, configured: true},
		&fakeProvider{name: "D", priority: 3, configured: true},
	}

	got := Order(providers, Preference{Preferred: "B", Fallback: "A"})
	assert.Equal(t, []string{"B", "A", "C", "D"}, names(got))

	// Input order is untouched
	assert.Equal(t, []string{"A", "B", "C", "D"}, names(providers))
}

func TestOrder_DropsUnconfigured(t *testing.T) {
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: false},
		&fakeProvider{name: "B", priority: 2, configured: true},
		&fakeProvider{name: "C", priority: 1, configured: true},
	}

	got := Order(providers, Preference{Preferred: "A"})
	assert.Equal(t, []string{"C", "B"}, names(got))
}

func TestOrder_StableOnEqualPriority(t *testing.T) {
	providers := []CompletionProvider{
		&fakeProvider{name: "X", priority: 5, configured: true},
		&fakeProvider{name: "Y", priority: 5, configured: true},
		&fakeProvider{name: "Z", priority: 5, configured: true},
	}
	assert.Equal(t, []string{"X", "Y", "Z"}, names(Order(providers, Preference{})))
}

func TestCascade_StopsAtFirstSuccess(t *testing.T) {
	log := &callLog{}
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: true, err: errors.New("boom"), calls: log},
		&fakeProvider{name: "B", priority: 2, configured: true, text: "hello", calls: log},
		&fakeProvider{name: "C", priority: 3, configured: true, text: "never", calls: log},
	}

	c := NewCascade(providers, time.Second, nil)
	res, attempts, err := c.Run(context.Background(), Preference{}, &ChatContext{})
	require.NoError(t, err)

	assert.Equal(t, "B", res.ProviderID)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, []string{"A", "B"}, log.get())
	require.Len(t, attempts, 2)
	assert.ErrorIs(t, attempts[0].Err, ErrProviderError)
	assert.NoError(t, attempts[1].Err)
}

func TestCascade_TimeoutThenSuccess(t *testing.T) {
	log := &callLog{}
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: true, delay: time.Second, calls: log},
		&fakeProvider{name: "B", priority: 2, configured: true, text: `{"response":"ok","intent":"greeting"}`, calls: log},
	}

	c := NewCascade(providers, 50*time.Millisecond, nil)
	res, attempts, err := c.Run(context.Background(), Preference{}, &ChatContext{})
	require.NoError(t, err)

	assert.Equal(t, "B", res.ProviderID)
	assert.Equal(t, "greeting", res.Intent)
	assert.Equal(t, ParseStructured, res.Parse)
	assert.ErrorIs(t, attempts[0].Err, ErrProviderTimeout)
}

func TestCascade_AbandonsProviderIgnoringContext(t *testing.T) {
	providers := []CompletionProvider{
		&fakeProvider{name: "stuck", priority: 1, configured: true, delay: 2 * time.Second, ignoreCtx: true},
		&fakeProvider{name: "B", priority: 2, configured: true, text: "fine"},
	}

	c := NewCascade(providers, 50*time.Millisecond, nil)
	start := time.Now()
	res, _, err := c.Run(context.Background(), Preference{}, &ChatContext{})
	require.NoError(t, err)

	assert.Equal(t, "B", res.ProviderID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCascade_NoConfiguredProviders(t *testing.T) {
	providers := []CompletionProvider{
		&fakeProvider{name: "A", configured: false},
	}

	c := NewCascade(providers, time.Second, nil)
	res, attempts, err := c.Run(context.Background(), Preference{}, &ChatContext{})
	assert.Nil(t, res)
	assert.Empty(t, attempts)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)

	res, _, err = NewCascade(nil, 0, nil).Run(context.Background(), Preference{}, &ChatContext{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
}

func TestCascade_AllFail(t *testing.T) {
	log := &callLog{}
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: true, err: errors.New("500"), calls: log},
		&fakeProvider{name: "B", priority: 2, configured: true, err: ErrProviderUnavailable, calls: log},
	}

	c := NewCascade(providers, time.Second, nil)
	_, attempts, err := c.Run(context.Background(), Preference{Preferred: "B"}, &ChatContext{})
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, []string{"B", "A"}, log.get())
	assert.Len(t, attempts, 2)
}

func TestCascade_CallerCancellationStops(t *testing.T) {
	log := &callLog{}
	providers := []CompletionProvider{
		&fakeProvider{name: "A", priority: 1, configured: true, text: "x", calls: log},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewCascade(providers, time.Second, nil).Run(ctx, Preference{}, &ChatContext{})
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log.get())
}
