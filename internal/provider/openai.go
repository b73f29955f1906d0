// ABOUTME: CompletionProvider backed by the OpenAI chat completions API
// ABOUTME: Also serves OpenAI-compatible endpoints via a custom base URL

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAIProvider calls the chat completions endpoint
type OpenAIProvider struct {
	base
	client openai.Client
}

// NewOpenAI creates an OpenAI provider. It is configured when a model is set
// and either an API key or a custom base URL is present.
func NewOpenAI(s Settings) *OpenAIProvider {
	opts := []ooption.RequestOption{ooption.WithMaxRetries(0)}
	if key := strings.TrimSpace(s.APIKey); key != "" {
		opts = append(opts, ooption.WithAPIKey(key))
	}
	if u := strings.TrimSpace(s.BaseURL); u != "" {
		opts = append(opts, ooption.WithBaseURL(u))
	}

	return &OpenAIProvider{
		base: base{
			name:         s.Name,
			priority:     s.Priority,
			model:        s.Model,
			rates:        s.Rates,
			capabilities: s.Capabilities,
			configured:   s.Model != "" && (s.APIKey != "" || s.BaseURL != ""),
		},
		client: openai.NewClient(opts...),
	}
}

// Complete sends the context as a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, cc *ChatContext) (*Result, error) {
	if !p.configured {
		return nil, ErrProviderUnavailable
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(cc.History)+2)
	messages = append(messages, openai.SystemMessage(cc.Prompt()))
	for _, turn := range cc.History {
		if turn.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(cc.CurrentMessage))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(cc.Temperature),
		MaxTokens:   openai.Int(maxTokens(cc)),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderError, p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s: no choices", ErrProviderError, p.name)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %s: empty reply", ErrProviderError, p.name)
	}

	return p.finish(cc,
		content,
		int(resp.Usage.PromptTokens),
		int(resp.Usage.CompletionTokens),
	), nil
}

// HealthCheck lists models as a cheap authenticated round-trip.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if !p.configured {
		return ErrProviderUnavailable
	}
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProviderError, p.name, err)
	}
	return nil
}

var _ CompletionProvider = (*OpenAIProvider)(nil)
