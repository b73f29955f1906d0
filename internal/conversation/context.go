// ABOUTME: Builds the bounded ChatContext handed to completion providers
// ABOUTME: Merges shop personality, recent history, customer and policy snippets

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/support-gateway/internal/provider"
	"github.com/2389/support-gateway/internal/shops"
	"github.com/2389/support-gateway/internal/store"
)

// DefaultHistoryWindow is the number of prior messages included in a context.
const DefaultHistoryWindow = 10

const (
	defaultBotName     = "Support Assistant"
	defaultTone        = "friendly and professional"
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
)

// replyInstructions is appended to every system prompt.
const replyInstructions = `Reply with a single JSON object and nothing else:
{"response": "<your reply to the customer>", "intent": "<short snake_case label for what the customer wants>", "confidence": <number between 0 and 1>, "suggested_actions": ["<optional follow-up the customer can take>"]}
If you cannot help, say so politely and suggest talking to a human agent.`

// SettingsSource provides per-shop assistant settings and policies
type SettingsSource interface {
	Settings(ctx context.Context, shop string) (*shops.Settings, error)
	Policies(ctx context.Context, shop string, types []string) ([]shops.Policy, error)
}

// CustomerSource looks up customer side data
type CustomerSource interface {
	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
}

// ContextBuilder assembles provider contexts. It holds no per-request state;
// everything it uses arrives as arguments or through its lookups.
type ContextBuilder struct {
	settings  SettingsSource
	customers CustomerSource
	window    int
	logger    *slog.Logger
}

// NewContextBuilder creates a builder. A non-positive window uses
// DefaultHistoryWindow. Either source may be nil.
func NewContextBuilder(settings SettingsSource, customers CustomerSource, window int, logger *slog.Logger) *ContextBuilder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		settings:  settings,
		customers: customers,
		window:    window,
		logger:    logger.With("component", "context"),
	}
}

// Window returns the history window size.
func (b *ContextBuilder) Window() int {
	return b.window
}

// Build returns the context for answering current within conv. settings may be
// nil, in which case defaults apply. history must be in ascending order; only
// the newest window entries are kept. Side lookups that fail are skipped.
func (b *ContextBuilder) Build(ctx context.Context, settings *shops.Settings, conv *store.Conversation, history []*store.Message, current string) *provider.ChatContext {
	if settings == nil {
		settings = &shops.Settings{Domain: conv.Shop}
	}

	cc := &provider.ChatContext{
		SystemPrompt:   SystemPrompt(settings),
		History:        HistoryWindow(history, b.window),
		CurrentMessage: current,
		Temperature:    settings.Temperature,
		MaxTokens:      settings.MaxTokens,
	}
	if cc.Temperature <= 0 {
		cc.Temperature = defaultTemperature
	}
	if cc.MaxTokens <= 0 {
		cc.MaxTokens = defaultMaxTokens
	}

	cc.CustomerSnippet = b.customerSnippet(ctx, conv)
	cc.PolicySnippets = b.policySnippets(ctx, conv.Shop, settings.PolicyTypes)
	return cc
}

// SystemPrompt renders the shop's personality followed by the reply format.
func SystemPrompt(s *shops.Settings) string {
	name := s.BotName
	if name == "" {
		name = defaultBotName
	}
	tone := s.Tone
	if tone == "" {
		tone = defaultTone
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the customer support assistant for %s.\n", name, s.Domain)
	fmt.Fprintf(&b, "Your tone is %s. Keep answers short and accurate.\n", tone)
	if ci := strings.TrimSpace(s.CustomInstructions); ci != "" {
		b.WriteString("\n")
		b.WriteString(ci)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(replyInstructions)
	return b.String()
}

// HistoryWindow keeps the newest n messages of an ascending history and maps
// them to provider roles. Anything not written by the visitor is an assistant turn.
func HistoryWindow(history []*store.Message, n int) []provider.Turn {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	turns := make([]provider.Turn, 0, len(history))
	for _, m := range history {
		role := provider.RoleAssistant
		if m.Role == store.RoleUser {
			role = provider.RoleUser
		}
		turns = append(turns, provider.Turn{Role: role, Content: m.Content})
	}
	return turns
}

func (b *ContextBuilder) customerSnippet(ctx context.Context, conv *store.Conversation) string {
	if b.customers == nil || conv.CustomerID == "" {
		return ""
	}
	c, err := b.customers.GetCustomer(ctx, conv.CustomerID)
	if err != nil {
		b.logger.Debug("customer lookup failed", "conversation_id", conv.ID, "error", err)
		return ""
	}

	var lines []string
	if c.Name != "" {
		lines = append(lines, "Name: "+c.Name)
	}
	lines = append(lines, "Email: "+c.Email)
	lines = append(lines, fmt.Sprintf("Orders placed: %d", c.OrdersCount))
	if c.TotalSpent > 0 {
		lines = append(lines, fmt.Sprintf("Total spent: %.2f", c.TotalSpent))
	}
	if len(c.Tags) > 0 {
		lines = append(lines, "Tags: "+strings.Join(c.Tags, ", "))
	}
	return strings.Join(lines, "\n")
}

func (b *ContextBuilder) policySnippets(ctx context.Context, shop string, types []string) []string {
	if b.settings == nil {
		return nil
	}
	policies, err := b.settings.Policies(ctx, shop, types)
	if err != nil {
		b.logger.Debug("policy lookup failed", "shop", shop, "error", err)
		return nil
	}

	var out []string
	for _, p := range policies {
		body := markdownToText([]byte(p.Body))
		if body == "" {
			continue
		}
		if p.Title != "" {
			body = p.Title + ": " + body
		}
		out = append(out, body)
	}
	return out
}

// markdownToText flattens markdown into plain text with one line per block.
func markdownToText(src []byte) string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := node.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading, *ast.ListItem:
			if !entering {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
