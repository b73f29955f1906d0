// ABOUTME: CompletionProvider contract and the request/result types shared by all backends
// ABOUTME: Result carries a tagged parse outcome: structured reply or raw text only

package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Provider failure taxonomy. Individual failures are absorbed by the cascade;
// only ErrAllProvidersExhausted reaches callers.
var (
	ErrProviderUnavailable   = errors.New("provider not configured")
	ErrProviderTimeout       = errors.New("provider timed out")
	ErrProviderError         = errors.New("provider returned an error")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// Role is the neutral role vocabulary providers understand
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message in the bounded history window
type Turn struct {
	Role    Role
	Content string
}

// ChatContext is everything a provider needs to produce a reply. It is built
// per request and never persisted.
type ChatContext struct {
	SystemPrompt   string
	History        []Turn
	CurrentMessage string

	CustomerSnippet string
	OrderSnippet    string
	ProductSnippet  string
	PolicySnippets  []string

	Temperature float64
	MaxTokens   int
}

// Prompt returns the system prompt with any side snippets appended.
func (c *ChatContext) Prompt() string {
	var b strings.Builder
	b.WriteString(c.SystemPrompt)

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		b.WriteString("\n\n## ")
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(body))
	}
	section("Customer", c.CustomerSnippet)
	section("Order", c.OrderSnippet)
	section("Product", c.ProductSnippet)
	if len(c.PolicySnippets) > 0 {
		section("Store policies", strings.Join(c.PolicySnippets, "\n\n"))
	}
	return b.String()
}

// ParseKind tags how a completion's raw output was interpreted
type ParseKind int

const (
	// ParseStructured means the output was a well-formed structured reply
	ParseStructured ParseKind = iota
	// ParseRawText means the output could not be parsed and is used verbatim
	ParseRawText
)

func (k ParseKind) String() string {
	if k == ParseStructured {
		return "structured"
	}
	return "raw_text"
}

// Reply is the conversational content of a completion
type Reply struct {
	Text             string
	Intent           string
	Confidence       *float64
	SuggestedActions []string
}

// Result is a successful completion
type Result struct {
	Reply
	Parse ParseKind

	ProviderID   string
	Model        string
	InputTokens  int
	OutputTokens int
	TokensUsed   int
	CostEstimate float64
	Latency      time.Duration
}

// CompletionProvider wraps one external AI backend
type CompletionProvider interface {
	Name() string
	Priority() int
	IsConfigured() bool
	Capabilities() []string
	Complete(ctx context.Context, cc *ChatContext) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Descriptor is a static summary of a provider
type Descriptor struct {
	Name         string
	Priority     int
	Configured   bool
	Capabilities []string
}

// Describe returns the descriptor for p.
func Describe(p CompletionProvider) Descriptor {
	return Descriptor{
		Name:         p.Name(),
		Priority:     p.Priority(),
		Configured:   p.IsConfigured(),
		Capabilities: p.Capabilities(),
	}
}
