// ABOUTME: Resilient interpretation of a completion as a structured reply
// ABOUTME: Malformed output degrades to raw text instead of failing the call

package provider

import (
	"encoding/json"
	"strings"
)

// structuredReply is the JSON shape the system prompt asks for. A few
// alternate key spellings seen from different models are accepted.
type structuredReply struct {
	Response         string   `json:"response"`
	Text             string   `json:"text"`
	Message          string   `json:"message"`
	Intent           string   `json:"intent"`
	Confidence       *float64 `json:"confidence"`
	SuggestedActions []string `json:"suggested_actions"`
	SuggestedAlt     []string `json:"suggestedActions"`
}

// ParseReply interprets raw completion output. It returns ParseStructured
// when the output holds a JSON object with a non-empty reply text, and
// otherwise returns the trimmed raw output as text with ParseRawText.
func ParseReply(raw string) (Reply, ParseKind) {
	rawText := Reply{Text: strings.TrimSpace(raw)}

	body, ok := extractJSONObject(raw)
	if !ok {
		return rawText, ParseRawText
	}

	var sr structuredReply
	if err := json.Unmarshal([]byte(body), &sr); err != nil {
		return rawText, ParseRawText
	}

	text := firstNonEmpty(sr.Response, sr.Text, sr.Message)
	if text == "" {
		return rawText, ParseRawText
	}

	reply := Reply{
		Text:             text,
		Intent:           strings.TrimSpace(sr.Intent),
		SuggestedActions: sr.SuggestedActions,
	}
	if len(reply.SuggestedActions) == 0 {
		reply.SuggestedActions = sr.SuggestedAlt
	}
	if sr.Confidence != nil && *sr.Confidence >= 0 && *sr.Confidence <= 1 {
		c := *sr.Confidence
		reply.Confidence = &c
	}
	return reply, ParseStructured
}

// extractJSONObject strips markdown code fences and returns the outermost
// {...} span of s.
func extractJSONObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
