// ABOUTME: Slack notifier that tells the support team about escalated conversations
// ABOUTME: Posts a header, a summary section and the visitor's last message as blocks

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/2389/support-gateway/internal/store"
)

// maxQuoteLen bounds the visitor message quoted in a notification.
const maxQuoteLen = 500

// SlackConfig configures the Slack notifier
type SlackConfig struct {
	Token      string
	Channel    string
	ConsoleURL string // agent console base URL, used to link the conversation
	APIURL     string // override for tests
}

// SlackNotifier posts escalations to a Slack channel.
type SlackNotifier struct {
	client     *slack.Client
	channel    string
	consoleURL string
	logger     *slog.Logger
}

// NewSlack creates a Slack notifier. Pass nil logger for default.
func NewSlack(cfg SlackConfig, logger *slog.Logger) (*SlackNotifier, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack token is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("slack channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &SlackNotifier{
		client:     slack.New(cfg.Token, opts...),
		channel:    cfg.Channel,
		consoleURL: strings.TrimSuffix(cfg.ConsoleURL, "/"),
		logger:     logger.With("component", "slack-notifier"),
	}, nil
}

// NotifyEscalation posts a message announcing the escalated conversation.
func (n *SlackNotifier) NotifyEscalation(ctx context.Context, conv *store.Conversation, lastUserMessage string) error {
	blocks := escalationBlocks(conv, lastUserMessage, n.consoleURL)
	fallback := fmt.Sprintf("Conversation %s on %s needs a human", conv.ID, conv.Shop)

	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}

	n.logger.Debug("escalation posted", "conversation_id", conv.ID, "channel", n.channel, "ts", ts)
	return nil
}

func escalationBlocks(conv *store.Conversation, lastUserMessage, consoleURL string) []slack.Block {
	reason := conv.EscalationReason
	if reason == "" {
		reason = "_no reason given_"
	}

	summary := fmt.Sprintf("*Shop:* %s\n*Conversation:* `%s`\n*Reason:* %s", conv.Shop, conv.ID, reason)
	if conv.PrimaryIntent != "" {
		summary += fmt.Sprintf("\n*Intent:* %s", conv.PrimaryIntent)
	}
	if consoleURL != "" {
		summary += fmt.Sprintf("\n<%s/api/agent/conversations/%s|Open conversation>", consoleURL, conv.ID)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Customer needs a human", false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), nil, nil),
	}

	if quote := truncate(strings.TrimSpace(lastUserMessage), maxQuoteLen); quote != "" {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "> "+strings.ReplaceAll(quote, "\n", "\n> "), false, false), nil, nil),
		)
	}
	return blocks
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
