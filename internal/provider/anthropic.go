// ABOUTME: CompletionProvider backed by the Anthropic messages API
// ABOUTME: Concatenates text blocks of the reply and reports usage from the response

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider calls the messages endpoint
type AnthropicProvider struct {
	base
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider. It is configured when both an
// API key and a model are set.
func NewAnthropic(s Settings) *AnthropicProvider {
	opts := []aoption.RequestOption{aoption.WithMaxRetries(0)}
	if key := strings.TrimSpace(s.APIKey); key != "" {
		opts = append(opts, aoption.WithAPIKey(key))
	}
	if u := strings.TrimSpace(s.BaseURL); u != "" {
		opts = append(opts, aoption.WithBaseURL(u))
	}

	return &AnthropicProvider{
		base: base{
			name:         s.Name,
			priority:     s.Priority,
			model:        s.Model,
			rates:        s.Rates,
			capabilities: s.Capabilities,
			configured:   s.APIKey != "" && s.Model != "",
		},
		client: anthropic.NewClient(opts...),
	}
}

// Complete sends the context as a single messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, cc *ChatContext) (*Result, error) {
	if !p.configured {
		return nil, ErrProviderUnavailable
	}

	messages := make([]anthropic.MessageParam, 0, len(cc.History)+1)
	for _, turn := range cc.History {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(cc.CurrentMessage)))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   maxTokens(cc),
		Messages:    messages,
		Temperature: anthropic.Float(cc.Temperature),
	}
	if prompt := strings.TrimSpace(cc.Prompt()); prompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderError, p.name, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: empty reply", ErrProviderError, p.name)
	}

	return p.finish(cc, text.String(), int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)), nil
}

// HealthCheck lists models as a cheap authenticated round-trip.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	if !p.configured {
		return ErrProviderUnavailable
	}
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProviderError, p.name, err)
	}
	return nil
}

var _ CompletionProvider = (*AnthropicProvider)(nil)
