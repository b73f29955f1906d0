// ABOUTME: Construction of completion providers from settings
// ABOUTME: Shared bookkeeping for the OpenAI and Anthropic backends

package provider

import (
	"fmt"
	"strings"
)

// Backend types accepted in Settings.Type
const (
	TypeOpenAI           = "openai"
	TypeOpenAICompatible = "openai_compatible"
	TypeAnthropic        = "anthropic"
)

// defaultMaxTokens is used when a context does not set its own limit.
const defaultMaxTokens = 1024

// Settings describe one configured backend
type Settings struct {
	Name         string
	Type         string
	APIKey       string
	BaseURL      string
	Model        string
	Priority     int
	Rates        Rates
	Capabilities []string
}

// New builds the provider for s.
func New(s Settings) (CompletionProvider, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case TypeOpenAI, TypeOpenAICompatible:
		return NewOpenAI(s), nil
	case TypeAnthropic:
		return NewAnthropic(s), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q for %s", s.Type, s.Name)
	}
}

// NewAll builds every provider in order, failing on the first bad entry.
func NewAll(settings []Settings) ([]CompletionProvider, error) {
	providers := make([]CompletionProvider, 0, len(settings))
	for _, s := range settings {
		p, err := New(s)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// base holds the descriptor fields and result accounting shared by backends.
type base struct {
	name         string
	priority     int
	model        string
	rates        Rates
	capabilities []string
	configured   bool
}

func (b *base) Name() string           { return b.name }
func (b *base) Priority() int          { return b.priority }
func (b *base) IsConfigured() bool     { return b.configured }
func (b *base) Capabilities() []string { return b.capabilities }

// finish turns raw output plus reported usage into a Result. Missing usage
// is estimated locally so cost reporting never silently drops to zero.
func (b *base) finish(cc *ChatContext, raw string, inputTokens, outputTokens int) *Result {
	reply, kind := ParseReply(raw)

	if inputTokens == 0 {
		inputTokens = estimateInput(cc)
	}
	if outputTokens == 0 {
		outputTokens = EstimateTokens(raw)
	}

	return &Result{
		Reply:        reply,
		Parse:        kind,
		Model:        b.model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TokensUsed:   inputTokens + outputTokens,
		CostEstimate: b.rates.Cost(inputTokens, outputTokens),
	}
}

func maxTokens(cc *ChatContext) int64 {
	if cc.MaxTokens > 0 {
		return int64(cc.MaxTokens)
	}
	return defaultMaxTokens
}
