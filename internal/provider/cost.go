// ABOUTME: Linear per-provider cost model and token estimation
// ABOUTME: Falls back to tiktoken counts when a backend omits usage data

package provider

import (
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// Rates are a provider's prices in currency units per 1000 tokens
type Rates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost returns the estimated cost of a call with the given token counts.
func (r Rates) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding. If the encoding
// cannot be loaded it falls back to roughly four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// estimateInput approximates the prompt tokens of a context.
func estimateInput(cc *ChatContext) int {
	n := EstimateTokens(cc.Prompt()) + EstimateTokens(cc.CurrentMessage)
	for _, t := range cc.History {
		n += EstimateTokens(t.Content)
	}
	return n
}
